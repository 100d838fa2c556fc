package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"campusid.org/internal/audit"
	"campusid.org/internal/auth"
	"campusid.org/internal/credential"
	"campusid.org/internal/httpapi"
	"campusid.org/internal/obs"
	"campusid.org/internal/registry"
	"campusid.org/internal/store/pg"
	"campusid.org/internal/stream"
	"campusid.org/internal/verify"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	_ = godotenv.Load()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	// The QR secret is the trust anchor. Refuse to start without it rather
	// than issue unverifiable cards.
	qrSecret := os.Getenv("CAMPUSID_QR_SECRET")
	if qrSecret == "" {
		log.Fatal("CAMPUSID_QR_SECRET is required")
	}
	baseURL := os.Getenv("CAMPUSID_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	cardTTL := registry.DefaultCardTTL
	if raw := os.Getenv("CAMPUSID_CARD_TTL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			log.Fatalf("invalid CAMPUSID_CARD_TTL: %q", raw)
		}
		cardTTL = d
	}

	uploadDir := os.Getenv("CAMPUSID_UPLOAD_DIR")
	if uploadDir != "" {
		if err := os.MkdirAll(uploadDir, 0o755); err != nil {
			log.Fatalf("create upload dir: %v", err)
		}
	}

	signer := credential.NewSigner(qrSecret)
	encoder := credential.NewEncoder(signer, baseURL)

	var (
		records  registry.Store
		attempts verify.AttemptLog
		trail    audit.Trail
		admins   auth.AdminStore
		probe    httpapi.ReadyProbe
	)
	if dsn := os.Getenv("CAMPUSID_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		records = store
		attempts = store.Attempts()
		trail = store.Audit()
		admins = store.Admins()
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		log.Print("CAMPUSID_PG_DSN not set, using in-memory storage")
		trail = audit.NewInMemoryTrail()
		records = registry.NewInMemoryStore(trail)
		attempts = verify.NewInMemoryAttempts()
		admins = auth.NewInMemoryAdmins()
	}

	students := registry.NewService(records, encoder, cardTTL)
	verifier := verify.NewVerifier(signer, records, attempts)
	authSvc := auth.NewService(admins)

	api := httpapi.New(httpapi.Config{
		Students:  students,
		Verifier:  verifier,
		Attempts:  attempts,
		Trail:     trail,
		Auth:      authSvc,
		Stream:    stream.New(),
		Probe:     probe,
		Version:   version,
		UploadDir: uploadDir,
	})

	handler := api.Handler()
	handler = httpapi.RateLimit(handler, 50, 25)
	handler = httpapi.MaxBodyBytes(handler, 8<<20)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.CORS(handler)
	handler = httpapi.LoggingJSON(handler)
	handler = httpapi.RequestID(handler)

	addr := os.Getenv("CAMPUSID_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting campusid-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
