package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-webdriver/client"
	"whatsapp-webdriver/internal/api"
	"whatsapp-webdriver/internal/session"
)

func main() {
	var (
		port       int
		profileDir string
		persistDir string
		storeDir   string
		headless   bool
		proxy      string
		chromeBin  string
		loginWait  time.Duration
	)
	flag.IntVar(&port, "port", 8080, "Port for REST API server")
	flag.StringVar(&profileDir, "profile", "", "Live browser profile directory (temporary dir when empty)")
	flag.StringVar(&persistDir, "persist", "session", "Directory for the saved profile and storage snapshot")
	flag.StringVar(&storeDir, "store", "store", "Directory for the local message history database")
	flag.BoolVar(&headless, "headless", true, "Run the browser headless")
	flag.StringVar(&proxy, "proxy", "", "Proxy server address (host:port)")
	flag.StringVar(&chromeBin, "chrome", "", "Path to the Chrome binary")
	flag.DurationVar(&loginWait, "login-wait", 0, "How long to wait for QR pairing (0 = default)")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	log.Info().Msg("starting WhatsApp web driver")

	if profileDir == "" {
		dir, err := os.MkdirTemp("", "wadriver-profile-")
		if err != nil {
			log.Fatal().Err(err).Msg("creating profile directory")
		}
		profileDir = dir
	}

	c, err := client.Launch(client.Config{
		LiveProfileDir:   profileDir,
		PersistDir:       persistDir,
		StoreDir:         storeDir,
		Headless:         headless,
		Proxy:            proxy,
		ChromeBinary:     chromeBin,
		EchoQRToTerminal: true,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("launching client")
	}

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("connect failed")
		c.Shutdown(ctx)
		os.Exit(1)
	}

	// Start the REST server before pairing so the QR code is reachable over
	// the API while the terminal flow runs.
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: api.NewServer(c, log.With().Str("component", "api").Logger()).Handler(),
	}
	go func() {
		log.Info().Int("port", port).Msg("REST server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("REST server failed")
		}
	}()

	switch c.Status(ctx) {
	case session.StateLoggedIn:
		log.Info().Msg("restored session, already logged in")
	default:
		if path, err := c.PairingCode(ctx, filepath.Join(os.TempDir(), "wadriver-qr.png")); err == nil && path != "" {
			log.Info().Str("path", path).Msg("pairing code written")
		}
		if err := c.WaitForLogin(ctx, loginWait); err != nil {
			log.Error().Err(err).Msg("login wait failed")
		} else if err := c.SaveSession(ctx, true); err != nil {
			log.Error().Err(err).Msg("saving session after pairing")
		}
	}

	exitChan := make(chan os.Signal, 1)
	signal.Notify(exitChan, syscall.SIGINT, syscall.SIGTERM)
	<-exitChan

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	if err := c.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
