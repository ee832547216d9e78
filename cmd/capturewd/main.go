// cmd/capturewd/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"log"

	googrpc "google.golang.org/grpc"

	"github.com/meshsight/meshsight/pkg/capture"
	"github.com/meshsight/meshsight/pkg/config"
	"github.com/meshsight/meshsight/pkg/db"
	"github.com/meshsight/meshsight/pkg/grpc"
	"github.com/meshsight/meshsight/pkg/ingest"
	"github.com/meshsight/meshsight/pkg/lifecycle"
	"github.com/meshsight/meshsight/pkg/models"
)

// workerConfig drives the capture worker: it owns the pcapng writers, serves
// the dispatch service for the ingest daemon, and taps its own transport
// feeds for frames to record. The worker never persists packet rows; those
// belong to the daemon.
type workerConfig struct {
	ListenAddr string                 `json:"listen_addr"`
	DBPath     string                 `json:"db_path"`
	Security   *models.SecurityConfig `json:"security,omitempty"`

	Capture capture.Config `json:"capture"`

	MQTT      *ingest.MQTTConfig   `json:"mqtt,omitempty"`
	Serial    *ingest.SerialConfig `json:"serial,omitempty"`
	Websocket *ingest.WSConfig     `json:"websocket,omitempty"`
}

func (c *workerConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}

	if c.DBPath == "" {
		return errors.New("db_path is required")
	}

	if c.Capture.Directory == "" {
		return errors.New("capture.directory is required")
	}

	return nil
}

func main() {
	configPath := flag.String("config", "/etc/meshsight/capturewd.json", "Path to config file")
	flag.Parse()

	var cfg workerConfig
	if err := config.LoadAndValidate(*configPath, &cfg); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	pcap := capture.NewService(store, cfg.Capture, nil)
	worker := capture.NewWorker(pcap)
	tap := ingest.NewCaptureTap(store, pcap)

	var adapters []ingest.Adapter

	if cfg.MQTT != nil {
		adapters = append(adapters, ingest.NewMQTTAdapter(tap, *cfg.MQTT))
	}

	if cfg.Serial != nil {
		adapters = append(adapters, ingest.NewSerialAdapter(tap, *cfg.Serial))
	}

	if cfg.Websocket != nil {
		adapters = append(adapters, ingest.NewWSAdapter(tap, *cfg.Websocket))
	}

	err = lifecycle.RunServer(ctx, &lifecycle.ServerOptions{
		ListenAddr:  cfg.ListenAddr,
		ServiceName: "MeshsightCaptureWorker",
		Service:     ingest.NewService(adapters, nil),
		Security:    cfg.Security,
		GRPCServerOptions: []grpc.ServerOption{
			grpc.WithServerOptions(googrpc.ForceServerCodec(grpc.RawCodec{})),
		},
		RegisterGRPCServices: []lifecycle.GRPCServiceRegistrar{
			func(s *grpc.Server) error {
				capture.RegisterWorker(s.GetGRPCServer(), worker)
				return nil
			},
		},
	})
	if err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
