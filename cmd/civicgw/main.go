package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/civicchain/civic-gateway/internal/backend"
	"github.com/civicchain/civic-gateway/internal/geocode"
	"github.com/civicchain/civic-gateway/internal/issuecache"
	"github.com/civicchain/civic-gateway/internal/model"
	"github.com/civicchain/civic-gateway/internal/server"
	"github.com/civicchain/civic-gateway/internal/store"
	"github.com/joho/godotenv"
)

const userAgent = "civic-gateway/1.0 (+https://github.com/civicchain/civic-gateway)"

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	listenAddr := flag.String("listen", envOr("CIVICGW_LISTEN", ":8080"), "HTTP listen address")
	dbPath := flag.String("db", envOr("CIVICGW_DB_PATH", "./civicgw.db"), "SQLite database path")
	backendURL := flag.String("backend", envOr("CIVICGW_BACKEND_URL", "http://localhost:3000"), "Issue service base URL")
	geocoderName := flag.String("geocoder", envOr("CIVICGW_GEOCODER", "nominatim"), "Geocoding provider: nominatim, google or google+nominatim")
	debug := flag.Bool("debug", os.Getenv("CIVICGW_DEBUG") != "", "Log upstream calls")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := store.NewSQLiteStore(ctx, *dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	baseURL := envOr("CIVICGW_BASE_URL", "http://localhost:8080")
	sessionSecret := os.Getenv("CIVICGW_SESSION_SECRET")
	if sessionSecret == "" || sessionSecret == "change-me-in-production" {
		if strings.HasPrefix(baseURL, "https://") {
			log.Fatal("CIVICGW_SESSION_SECRET must be set to a strong random value in production (try: openssl rand -hex 32)")
		}
		log.Println("WARNING: using insecure default session secret -- set CIVICGW_SESSION_SECRET for production")
		sessionSecret = "insecure-dev-only-session-secret-do-not-use"
	}
	jwtSecret := os.Getenv("CIVICGW_JWT_SECRET")
	if jwtSecret == "" {
		log.Println("WARNING: CIVICGW_JWT_SECRET is not set -- backend login will fail")
	}

	be, err := backend.New(backend.Config{BaseURL: *backendURL, Logger: logger})
	if err != nil {
		log.Fatalf("Failed to configure backend client: %v", err)
	}

	cfg := server.Config{
		ListenAddr:      *listenAddr,
		DBPath:          *dbPath,
		BaseURL:         baseURL,
		BackendURL:      *backendURL,
		GoogleClientID:  os.Getenv("CIVICGW_GOOGLE_CLIENT_ID"),
		GoogleSecret:    os.Getenv("CIVICGW_GOOGLE_SECRET"),
		SessionSecret:   sessionSecret,
		JWTSecret:       jwtSecret,
		ExplorerURL:     envOr("CIVICGW_EXPLORER_URL", model.DefaultExplorerURL),
		DefaultLocation: defaultLocation(),
	}

	srv := server.NewServer(cfg, db, be, logger)
	defer srv.Stop()

	provider, err := newGeocodeProvider(*geocoderName)
	if err != nil {
		log.Fatalf("Failed to configure geocoder: %v", err)
	}
	srv.SetGeocoder(geocode.New(provider, geocode.Options{Logger: logger}))
	log.Printf("Geocoding with %s", *geocoderName)

	if addr := os.Getenv("CIVICGW_REDIS_ADDR"); addr != "" {
		rc, err := issuecache.NewRedis(ctx, issuecache.RedisOptions{
			Addr:     addr,
			Password: os.Getenv("CIVICGW_REDIS_PASSWORD"),
		})
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rc.Close()
		srv.SetIssueCache(rc)
		srv.SetReportLimiter(server.NewRedisReportLimiter(rc.Client(), server.DefaultRateLimiterConfig().UserReportsPerDay, 24*time.Hour))
		log.Printf("Issue cache and report limits shared through Redis at %s", addr)
	}

	go srv.Run(ctx, 5*time.Minute)

	httpSrv := &http.Server{
		Addr:              *listenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Listening on %s, backend %s", *listenAddr, be.BaseURL())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}

func newGeocodeProvider(name string) (geocode.Provider, error) {
	nominatim := geocode.NewNominatim(envOr("CIVICGW_GEOCODER_USER_AGENT", userAgent))
	switch name {
	case "nominatim", "":
		return nominatim, nil
	case "google":
		return geocode.NewGoogleMaps(os.Getenv("CIVICGW_GOOGLE_MAPS_KEY"))
	case "google+nominatim":
		gm, err := geocode.NewGoogleMaps(os.Getenv("CIVICGW_GOOGLE_MAPS_KEY"))
		if err != nil {
			return nil, err
		}
		return geocode.Fallback{gm, nominatim}, nil
	}
	return nil, fmt.Errorf("unknown geocoder %q", name)
}

// defaultLocation reads CIVICGW_DEFAULT_LAT and CIVICGW_DEFAULT_LNG.
func defaultLocation() model.Location {
	lat, err1 := strconv.ParseFloat(os.Getenv("CIVICGW_DEFAULT_LAT"), 64)
	lng, err2 := strconv.ParseFloat(os.Getenv("CIVICGW_DEFAULT_LNG"), 64)
	if err1 != nil || err2 != nil {
		return model.DefaultLocation
	}
	return model.Location{Lat: lat, Lng: lng}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
