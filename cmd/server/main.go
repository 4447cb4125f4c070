package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mzimbres/occase-gateway/config"
	"github.com/mzimbres/occase-gateway/internal/admin"
	"github.com/mzimbres/occase-gateway/internal/adminauth"
	"github.com/mzimbres/occase-gateway/internal/channel"
	"github.com/mzimbres/occase-gateway/internal/gateway"
	"github.com/mzimbres/occase-gateway/internal/mms"
	"github.com/mzimbres/occase-gateway/internal/redisfacade"
	"github.com/mzimbres/occase-gateway/internal/taxonomy"
	"github.com/mzimbres/occase-gateway/internal/worker"
)

func main() {
	// ── Cargar configuración ──────────────────────────────────────────────────
	cfg := config.Load()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// ── Redis facade (menu-sub, menu-pub, chat-sub, chat-pub) ────────────────
	facade := redisfacade.New(cfg.Redis)
	facade.Run()
	defer facade.Close()

	// ── Almacén de canal y demás colaboradores del worker ────────────────────
	ch := channel.New(cfg.Channel.MaxPosts, cfg.Channel.CleanupRate)
	tax := taxonomy.DefaultEncoder()
	signer := mms.NewSigner(cfg.MMS.Host, cfg.MMS.Key)

	w := worker.New(cfg, facade, ch, tax, signer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Aceptador WebSocket: solo abre una vez el catálogo de posts cargó ─────
	ln, err := gateway.Listen(fmt.Sprintf(":%s", cfg.Port))
	if err != nil {
		log.Fatalf("Error abriendo el puerto %s: %v", cfg.Port, err)
	}
	acceptor := gateway.NewAcceptor(ln, cfg.Session, loadTLSConfig(cfg))
	acceptor.Handler = w.Accept

	w.Start(func() {
		fmt.Printf("🚀 occase gateway worker escuchando en puerto %s\n", cfg.Port)
		go acceptor.Serve(ctx)
	})

	go w.Run(ctx)

	// ── Superficie HTTP de administración (stats, búsqueda, publicación) ─────
	var auth *adminauth.Service
	if cfg.Admin.JWTSecret != "" {
		auth = adminauth.NewService(cfg.Admin.JWTSecret, 24*time.Hour)
	} else {
		log.Println("⚠️  ADMIN_JWT_SECRET no configurado: superficie de administración sin autenticar")
	}
	adminSrv := admin.New(w, facade, auth)
	httpSrv := &http.Server{
		Addr:         cfg.Admin.Addr,
		Handler:      adminSrv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		fmt.Printf("🚀 superficie de administración en %s\n", cfg.Admin.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Error servidor de administración: %v", err)
		}
	}()

	// ── Esperar señal de apagado (SIGINT/SIGTERM de Docker/systemd) ──────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("⏳ Apagando worker...")
	cancel() // cancela el aceptador y dispara worker.Run's shutdown (spec.md §4.6)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error en el apagado del servidor de administración: %v", err)
	}

	fmt.Println("✅ Worker apagado correctamente")
}

// loadTLSConfig is external certificate loading per spec.md §1 ("SSL
// certificate loading... out of scope"): if the operator has not
// pointed at a cert/key pair, the acceptor simply rejects any TLS
// ClientHello it detects and continues serving plaintext.
func loadTLSConfig(cfg *config.Config) *tls.Config {
	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	if certFile == "" || keyFile == "" {
		return nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		log.Printf("⚠️  no se pudo cargar el certificado TLS (%v); sirviendo solo texto plano", err)
		return nil
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}
