// Command viewer joins a watch-party room from the terminal. It plays the room
// on a headless player and reads play, pause, seek and load commands from
// stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"watchparty/internal/client"
	"watchparty/internal/playback"
	"watchparty/internal/player"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "watch-party server url")
	roomID := flag.String("room", "", "room to join (empty creates one)")
	video := flag.String("video", "", "video to cue when creating a room")
	name := flag.String("name", "", "display name on the roster")
	token := flag.String("token", os.Getenv("WATCHPARTY_TOKEN"), "bearer token for playback writes")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, options{
		server: *serverURL,
		room:   *roomID,
		video:  *video,
		name:   *name,
		token:  *token,
	}, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("viewer exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type options struct {
	server, room, video, name, token string
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer, logger *slog.Logger) error {
	api, err := client.New(opts.server,
		client.WithToken(opts.token),
		client.WithName(opts.name),
		client.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	roomID := opts.room
	if roomID == "" {
		room, err := api.CreateRoom(ctx, opts.video)
		if err != nil {
			return err
		}
		roomID = room.RoomID
		fmt.Fprintf(out, "created room %s\n", roomID)
	}

	lookup := func(id string) (float64, error) {
		v, err := api.Video(ctx, id)
		if err != nil {
			return 0, err
		}
		if v.Duration <= 0 {
			return player.DefaultDuration, nil
		}
		return v.Duration, nil
	}
	embed := player.NewVirtual(clock.New(), lookup)
	adapter := playback.NewAdapter(embed, logger)
	ctrl := playback.NewController(roomID, adapter, api, api, playback.Options{
		Logger: logger,
		OnWarning: func(err error) {
			fmt.Fprintf(out, "warning: %v\n", err)
		},
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error {
		adapter.Poll(gctx, time.Second, func(pos float64) {
			state := "paused"
			if adapter.IsPlaying() {
				state = "playing"
			}
			fmt.Fprintf(out, "[%s] %s %s\n", adapter.VideoRef(), state, formatPosition(pos))
		})
		return nil
	})
	g.Go(func() error {
		// stdin closing ends the session.
		defer cancel()
		return readCommands(gctx, in, out, ctrl)
	})

	embed.Start()
	fmt.Fprintf(out, "joined room %s; commands: play, pause, seek N, load REF, quit\n", roomID)
	return g.Wait()
}

// commander is the part of the controller the command loop drives.
type commander interface {
	Play()
	Pause()
	Seek(position float64)
	Load(ref string)
}

func readCommands(ctx context.Context, in io.Reader, out io.Writer, ctrl commander) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			if quit := execute(line, out, ctrl); quit {
				return nil
			}
		}
	}
}

func execute(line string, out io.Writer, ctrl commander) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToLower(fields[0]) {
	case "play":
		ctrl.Play()
	case "pause":
		ctrl.Pause()
	case "seek":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: seek SECONDS")
			return false
		}
		pos, err := parsePosition(fields[1])
		if err != nil {
			fmt.Fprintf(out, "bad position %q\n", fields[1])
			return false
		}
		ctrl.Seek(pos)
	case "load":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: load VIDEO")
			return false
		}
		ctrl.Load(fields[1])
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(out, "unknown command %q\n", fields[0])
	}
	return false
}

// parsePosition accepts seconds ("95.5") or minutes and seconds ("1:35").
func parsePosition(s string) (float64, error) {
	if m, sec, ok := strings.Cut(s, ":"); ok {
		minutes, err := strconv.Atoi(m)
		if err != nil || minutes < 0 {
			return 0, fmt.Errorf("bad minutes %q", m)
		}
		seconds, err := strconv.ParseFloat(sec, 64)
		if err != nil || math.IsNaN(seconds) || seconds < 0 || seconds >= 60 {
			return 0, fmt.Errorf("bad seconds %q", sec)
		}
		return float64(minutes)*60 + seconds, nil
	}
	pos, err := strconv.ParseFloat(s, 64)
	if err != nil || pos < 0 || math.IsNaN(pos) || math.IsInf(pos, 0) {
		return 0, fmt.Errorf("bad position %q", s)
	}
	return pos, nil
}

func formatPosition(pos float64) string {
	total := int(pos)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
