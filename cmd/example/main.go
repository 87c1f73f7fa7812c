package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/bililive-go/bililive"
	"github.com/bililive-go/bililive/builder"
	"gopkg.in/yaml.v2"
)

// retryOverrides is an optional YAML file of backoff tuning, loaded via
// -retry-config. Absent a file, bililive.DefaultRetryConfig() is used.
type retryOverrides struct {
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	Jitter         float64 `yaml:"jitter"`
	MaxAttempts    int     `yaml:"max_attempts"`
}

func loadRetryConfig(path string) (bililive.RetryConfig, error) {
	cfg := bililive.DefaultRetryConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read retry config %s: %w", path, err)
	}

	var o retryOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return cfg, fmt.Errorf("parse retry config %s: %w", path, err)
	}

	if o.InitialDelayMS > 0 {
		cfg.InitialDelay = time.Duration(o.InitialDelayMS) * time.Millisecond
	}
	if o.MaxDelayMS > 0 {
		cfg.MaxDelay = time.Duration(o.MaxDelayMS) * time.Millisecond
	}
	if o.Multiplier > 0 {
		cfg.Multiplier = o.Multiplier
	}
	if o.Jitter > 0 {
		cfg.Jitter = o.Jitter
	}
	cfg.MaxAttempts = o.MaxAttempts
	return cfg, nil
}

func main() {
	roomID := flag.Int64("room", 510, "Bilibili live room ID")
	uid := flag.Int64("uid", 0, "your uid (0 for anonymous)")
	sessdata := flag.String("sessdata", "", "SESSDATA cookie (optional, richer data)")
	retryConfigPath := flag.String("retry-config", "", "optional YAML file overriding reconnect backoff")
	flag.Parse()

	slog.Info("starting", "room", *roomID)

	retryCfg, err := loadRetryConfig(*retryConfigPath)
	if err != nil {
		slog.Error("load retry config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := resolveConfig(ctx, *roomID, *uid, *sessdata)
	if err != nil {
		slog.Error("resolve session config", "error", err)
		os.Exit(1)
	}

	stream, err := bililive.Dial(ctx, cfg,
		bililive.WithRetryConfig(retryCfg),
		bililive.WithCookies(sessdataCookie(*sessdata)),
	)
	if err != nil {
		slog.Error("dial", "error", err)
		os.Exit(1)
	}
	defer stream.Close()

	for {
		pkt, err := stream.Recv(ctx)
		if err != nil {
			if errors.Is(err, bililive.ErrStreamClosed) || errors.Is(err, bililive.ErrMaxRetriesExceeded) {
				slog.Info("stopped", "error", err)
				return
			}
			var se *bililive.StreamError
			if errors.As(err, &se) {
				slog.Warn("transient stream error", "error", se)
				continue
			}
			slog.Warn("receive error", "error", err)
			continue
		}

		switch pkt.Operation() {
		case bililive.OpRoomEnterAck:
			slog.Info("joined room", "room", *roomID)
		case bililive.OpHeartbeatAck:
			if n, err := pkt.Int32BE(); err == nil {
				slog.Debug("popularity", "value", n)
			}
		case bililive.OpNotification:
			fmt.Printf("[%s] %s\n", pkt.Protocol(), pkt.Body())
		default:
			slog.Debug("packet", "op", pkt.Operation(), "protocol", pkt.Protocol())
		}
	}
}

// resolveConfig uses the builder package — the external HTTP collaborator
// — to discover the room's danmaku servers and token before the core
// package ever opens a WebSocket.
func resolveConfig(ctx context.Context, roomID, uid int64, sessdata string) (*bililive.SessionConfig, error) {
	req := builder.NewHTTPRequester()
	b := builder.New(req).RoomID(roomID)
	if sessdata != "" {
		b = b.SessToken(sessdata)
	}
	b, err := b.FetchConf(ctx)
	if err != nil {
		return nil, err
	}
	if uid != 0 {
		// FetchConf sets uid itself, so an explicit -uid is applied after it.
		b = b.UID(uid)
	}
	return b.Build()
}

func sessdataCookie(sessdata string) string {
	if sessdata == "" {
		return ""
	}
	return "SESSDATA=" + sessdata
}
