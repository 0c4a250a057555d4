package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aradsms/dashboard_services/internal/core_domain"
	"github.com/aradsms/dashboard_services/internal/platform/config"
	"github.com/aradsms/dashboard_services/internal/platform/logger"
	"github.com/aradsms/dashboard_services/internal/realtime_service/domain"
	"github.com/aradsms/dashboard_services/internal/viewer_client/app"
	"github.com/aradsms/dashboard_services/internal/viewer_client/transport/ws"
)

// dashboard_viewer follows conversations from a terminal and prints the
// reconciled message list after every change.
func main() {
	var (
		url           string
		conversations string
		logLevel      string
	)
	flag.StringVar(&url, "url", "", "realtime websocket URL (defaults to VIEWER_WS_URL)")
	flag.StringVar(&conversations, "conversations", "", "comma separated conversation ids to follow")
	flag.StringVar(&logLevel, "log-level", "", "log level (defaults to LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal: load configuration:", err)
		os.Exit(1)
	}
	if url == "" {
		url = cfg.ViewerWSURL
	}
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	ids := splitIDs(conversations)
	if len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "fatal: -conversations is required")
		os.Exit(2)
	}

	appLogger, _ := logger.NewWithWriter(os.Stderr, logLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rec := app.NewReconciler(func(conversationID string, status core_domain.MessageStatus) {
		fmt.Printf("[%s] conversation %s is now %s\n", time.Now().Format(time.TimeOnly), conversationID, status)
	})
	client := ws.NewClient(url, 2*time.Second, appLogger)
	err = client.Run(ctx, ids, func(ev domain.Event) {
		if rec.ApplyEvent(ev) {
			printView(rec.View(conversationOf(ev)))
		}
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func splitIDs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func conversationOf(ev domain.Event) string {
	if ev.Message != nil {
		return ev.Message.ConversationID
	}
	return ev.ConversationID
}

func printView(v app.ConversationView) {
	fmt.Printf("== %s (%d messages, latest %s)\n", v.ConversationID, len(v.Messages), v.Summary)
	for _, m := range v.Messages {
		fmt.Printf("  %-36s %-6s %-10s %s\n", m.ID, m.Kind, m.Status, m.ProviderID())
	}
}
