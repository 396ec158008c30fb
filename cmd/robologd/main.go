// Command robologd serves container inspection and rewrite over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"example.com/robolog/internal/common"
	"example.com/robolog/internal/config"
	"example.com/robolog/internal/server"
)

type logConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	Directory  string `yaml:"directory"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

type daemonConfig struct {
	Port            int                 `yaml:"port"`
	StorageDir      string              `yaml:"storageDir"`
	Concurrency     int                 `yaml:"concurrency"`
	ProfileManifest string              `yaml:"profileManifest"`
	Profiles        []server.ProfileRef `yaml:"profiles"`
	AuditLog        string              `yaml:"auditLog"`
	Logs            logConfig           `yaml:"logs"`
}

func loadConfig(path string) (daemonConfig, error) {
	var cfg daemonConfig
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	baseDir := filepath.Dir(path)
	resolvePath := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" {
			return ""
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Clean(filepath.Join(baseDir, p))
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = filepath.Join(".", "data")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	cfg.ProfileManifest = resolvePath(cfg.ProfileManifest)
	for i := range cfg.Profiles {
		cfg.Profiles[i].Path = resolvePath(cfg.Profiles[i].Path)
	}
	cfg.AuditLog = resolvePath(cfg.AuditLog)
	if cfg.AuditLog == "" {
		cfg.AuditLog = filepath.Join(cfg.StorageDir, "audit.jsonl")
	}
	if cfg.Logs.Directory == "" {
		cfg.Logs.Directory = filepath.Join(cfg.StorageDir, "logs")
	}
	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = 25
	}
	if cfg.Logs.MaxAgeDays <= 0 {
		cfg.Logs.MaxAgeDays = 7
	}
	if cfg.Logs.MaxBackups <= 0 {
		cfg.Logs.MaxBackups = 5
	}
	return cfg, nil
}

// applyEnv lets ROBOLOG_* variables override the file.
func applyEnv(cfg *daemonConfig, lookup func(string) (string, bool)) {
	if v, ok := lookup("ROBOLOG_PORT"); ok && v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			cfg.Port = port
		}
	}
	if v, ok := lookup("ROBOLOG_STORAGE_DIR"); ok && v != "" {
		cfg.StorageDir = v
	}
	if v, ok := lookup("ROBOLOG_LOG_LEVEL"); ok && v != "" {
		cfg.Logs.Level = v
	}
}

func setupLogging(cfg daemonConfig) (func() error, error) {
	closer, err := common.SetupLogging(common.LogOptions{
		Level:      cfg.Logs.Level,
		Console:    true,
		JSON:       cfg.Logs.JSON,
		File:       filepath.Join(cfg.Logs.Directory, "robologd.log"),
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxAgeDays: cfg.Logs.MaxAgeDays,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   cfg.Logs.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	return closer.Close, nil
}

func main() {
	configPath := flag.String("config", "config/robologd.yaml", "path to configuration file")
	envFile := flag.String("env-file", ".env", "dotenv file with ROBOLOG_* overrides")
	addr := flag.String("addr", "", "listen address (overrides config port)")
	readTimeout := flag.Duration("read-timeout", 60*time.Second, "HTTP read timeout")
	writeTimeout := flag.Duration("write-timeout", 0, "HTTP write timeout (0 lets streamed rewrites run to completion)")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		common.Fatalf("env file: %v", err)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		common.Fatalf("load config: %v", err)
	}
	applyEnv(&cfg, os.LookupEnv)
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		common.Fatalf("storage dir: %v", err)
	}
	closeLogs, err := setupLogging(cfg)
	if err != nil {
		common.Fatalf("%v", err)
	}
	defer closeLogs()

	listenAddr := fmt.Sprintf(":%d", cfg.Port)
	if *addr != "" {
		listenAddr = *addr
	}
	srv, err := server.NewServer(server.Options{
		StorageDir:      cfg.StorageDir,
		ProfileManifest: cfg.ProfileManifest,
		Profiles:        cfg.Profiles,
		Concurrency:     cfg.Concurrency,
		AuditLog:        cfg.AuditLog,
	})
	if err != nil {
		common.Fatalf("server init: %v", err)
	}
	defer srv.Close()

	router, err := server.NewRouter(srv)
	if err != nil {
		common.Fatalf("router init: %v", err)
	}
	httpServer := &http.Server{
		Addr:         listenAddr,
		Handler:      router,
		ReadTimeout:  *readTimeout,
		WriteTimeout: *writeTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	common.Logf("robologd listening on %s (%d concurrent rewrites)", listenAddr, cfg.Concurrency)
	errc := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		common.Warnf("listen: %v", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		common.Warnf("shutdown: %v", err)
	}
	common.Logf("robologd stopped")
}
