package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/cycle"
	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/gate"
	ghttp "github.com/Rafallost/Water-Meters-Segmentation-Autimatization/http"
	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/monitoring"
	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/registry"
	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/tracking"
)

type Config struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Http struct {
		Port int `yaml:"port"`
	} `yaml:"http"`
	Gate struct {
		PolicyPath string `yaml:"policy_path"`
	} `yaml:"gate"`
	Tracking struct {
		URI          string `yaml:"uri"`
		Model        string `yaml:"model"`
		SyncSchedule string `yaml:"sync_schedule"`
	} `yaml:"tracking"`
	Export struct {
		Dir string `yaml:"dir"`
	} `yaml:"export"`
	Audit struct {
		Path       string `yaml:"path"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"audit"`
}

func main() {
	// 1. Load config
	config, err := loadConfig(configPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Open registry
	store, err := registry.Open(config.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open registry: %v", err)
	}
	defer store.Close()
	log.Printf("Registry opened at %s", config.Database.Path)

	// 3. Gate policy (hot-reloaded from file when configured)
	var policy cycle.PolicySource
	if config.Gate.PolicyPath != "" {
		watcher, err := gate.WatchPolicy(config.Gate.PolicyPath)
		if err != nil {
			log.Fatalf("Failed to load gate policy: %v", err)
		}
		defer watcher.Close()
		policy = watcher
		log.Printf("Gate policy loaded from %s", config.Gate.PolicyPath)
	} else {
		policy = cycle.FixedPolicy(gate.DefaultPolicy())
	}

	// 4. Monitoring
	collector := monitoring.NewCollector()
	defer collector.Close()
	monitor := monitoring.NewGateMonitor(collector)
	defer monitor.Stop()

	// 5. Promotion exporter + audit log
	var exporter *registry.Exporter
	if config.Export.Dir != "" {
		if exporter, err = registry.NewExporter(config.Export.Dir); err != nil {
			log.Fatalf("Failed to create exporter: %v", err)
		}
	}
	audit := cycle.NewAuditLogger(config.Audit.Path, config.Audit.MaxSizeMB, config.Audit.MaxBackups)
	defer audit.Sync()

	runner := cycle.NewRunner(store, policy, cycle.Options{
		Monitor:  monitor,
		Exporter: exporter,
		Audit:    audit,
	})

	// 6. Tracking sync (optional: needs a reachable MLflow server)
	if config.Tracking.URI != "" {
		client, err := tracking.NewClient(config.Tracking.URI)
		if err != nil {
			log.Fatalf("Failed to create tracking client: %v", err)
		}
		syncer := tracking.NewSyncer(client, store, config.Tracking.Model)
		schedule := config.Tracking.SyncSchedule
		if schedule == "" {
			schedule = "0 3 * * *"
		}
		if err := syncer.Start(schedule); err != nil {
			log.Fatalf("Failed to schedule tracking sync: %v", err)
		}
		defer syncer.Stop()
	}

	// 7. HTTP server
	serverConfig := ghttp.DefaultServerConfig()
	if config.Http.Port != 0 {
		serverConfig.Port = config.Http.Port
	}
	server := ghttp.NewServer(serverConfig, store, runner, collector, monitor)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 8. Heartbeat for the dashboards
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()
	go func() {
		for range heartbeat.C {
			monitor.Heartbeat()
		}
	}()

	// 9. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	if err := server.Stop(); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	log.Println("Exiting")
}

func configPath() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return "config.yaml"
}

func loadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, err
	}
	if config.Database.Path == "" {
		config.Database.Path = "./data/registry.db"
	}
	if config.Audit.Path == "" {
		config.Audit.Path = "./logs/promotions.log"
	}
	return &config, nil
}
