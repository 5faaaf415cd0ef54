package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"onetimechat/backend/internal/client/identity"
	"onetimechat/backend/internal/client/lifecycle"
	"onetimechat/backend/internal/client/remote"
	"onetimechat/backend/internal/client/tui"
	"onetimechat/backend/internal/logger"
	"onetimechat/backend/internal/models"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"
)

var version = "dev"

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "onetimechat.yaml"
	}
	return filepath.Join(dir, "onetimechat", "state.yaml")
}

func main() {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	statePath := flag.String("state", defaultStatePath(), "file holding exit markers and the last room")
	logPath := flag.String("log", "onetimechat-client.log", "log file")
	create := flag.Bool("new", false, "create a new room and enter it")
	strictBack := flag.Bool("strict-back", false, "keep the room open on back navigation")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] [CODE]\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(*server, *statePath, *logPath, *create, *strictBack, *debug, flag.Arg(0)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(server, statePath, logPath string, create, strictBack, debug bool, code string) error {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logFile.Close()
	log := logger.Init(logger.Config{
		Service: "onetimechat-client",
		Version: version,
		Env:     logger.EnvDev,
		Debug:   debug,
		Output:  logFile,
	})

	if err := os.MkdirAll(filepath.Dir(statePath), 0o700); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	state, err := identity.OpenFileKV(statePath)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	clock := clockwork.NewRealClock()
	markers := identity.NewMarkers(state, clock)

	// A fresh session per process, unless resuming the last room.
	sessionKV := identity.NewMemoryKV()
	if code == "" && !create {
		last, sid, ok := markers.LastRoom()
		if !ok {
			return errors.New("no room code given and no room to resume; pass CODE or --new")
		}
		code = last
		_ = sessionKV.Set(identity.KeySessionID, sid)
	}
	session := identity.NewSession(sessionKV)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := remote.New(server)
	if err != nil {
		return err
	}
	sid, err := client.Authenticate(ctx, session.ID())
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if sid != session.ID() {
		_ = sessionKV.Set(identity.KeySessionID, sid)
		session = identity.NewSession(sessionKV)
	}

	if create {
		room, err := client.CreateRoom(ctx, sid)
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		code = room.Code
		log.Info("room created", "code", code, "expires_at", room.ExpiresAt)
	}

	nav := tui.NewNavigator()
	ctrl := lifecycle.NewController(client, session, markers, nav, clock, lifecycle.Options{StrictBack: strictBack})
	defer ctrl.Close()

	if err := ctrl.Enter(ctx, code); err != nil {
		switch {
		case errors.Is(err, models.ErrRoomExpired):
			return fmt.Errorf("room %s has expired", code)
		case errors.Is(err, models.ErrExitedRoom):
			return fmt.Errorf("you left room %s; it cannot be re-entered", code)
		case errors.Is(err, models.ErrRoomFull):
			return fmt.Errorf("room %s is full", code)
		case errors.Is(err, models.ErrRoomNotFound):
			return fmt.Errorf("no room with code %s", code)
		}
		return fmt.Errorf("enter room: %w", err)
	}
	log.Info("entered room", "code", code, "room_id", ctrl.RoomID())

	if _, err := tea.NewProgram(tui.New(ctrl, nav, session.ID()), tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("terminal: %w", err)
	}
	return nil
}
