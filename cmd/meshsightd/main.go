// cmd/meshsightd/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"time"

	"github.com/meshsight/meshsight/pkg/capture"
	"github.com/meshsight/meshsight/pkg/config"
	"github.com/meshsight/meshsight/pkg/db"
	"github.com/meshsight/meshsight/pkg/grpc"
	"github.com/meshsight/meshsight/pkg/ingest"
	"github.com/meshsight/meshsight/pkg/lifecycle"
	"github.com/meshsight/meshsight/pkg/models"
	"github.com/meshsight/meshsight/pkg/reach"
	"github.com/meshsight/meshsight/pkg/topology"
)

type virtualNodeConfig struct {
	NodeNum    int64  `json:"node_num"`
	PublicKey  string `json:"public_key,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

type daemonConfig struct {
	ListenAddr string                 `json:"listen_addr"`
	DBPath     string                 `json:"db_path"`
	Security   *models.SecurityConfig `json:"security,omitempty"`

	MQTT      *ingest.MQTTConfig   `json:"mqtt,omitempty"`
	Serial    *ingest.SerialConfig `json:"serial,omitempty"`
	Websocket *ingest.WSConfig     `json:"websocket,omitempty"`

	Capture         capture.Config         `json:"capture"`
	CaptureWorker   *grpc.ConnectionConfig `json:"capture_worker,omitempty"`
	DispatchTimeout config.Duration        `json:"dispatch_timeout,omitempty"`

	ProbeMaxTries int             `json:"probe_max_tries,omitempty"`
	ProbeWindow   config.Duration `json:"probe_window,omitempty"`

	// Channels maps channel ids to their PSKs; VirtualNodes seeds the
	// keypairs of nodes this deployment operates.
	Channels     map[string]string   `json:"channels,omitempty"`
	VirtualNodes []virtualNodeConfig `json:"virtual_nodes,omitempty"`
}

func (c *daemonConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}

	if c.DBPath == "" {
		return errors.New("db_path is required")
	}

	if c.Capture.Directory == "" {
		return errors.New("capture.directory is required")
	}

	if c.MQTT == nil && c.Serial == nil && c.Websocket == nil {
		return errors.New("at least one transport adapter is required")
	}

	return nil
}

func main() {
	configPath := flag.String("config", "/etc/meshsight/meshsightd.json", "Path to config file")
	flag.Parse()

	var cfg daemonConfig
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

	if err := seed(store, &cfg); err != nil {
		log.Fatalf("Failed to seed configuration rows: %v", err)
	}

	var dispatcher capture.Dispatcher

	if cfg.CaptureWorker != nil {
		client, err := grpc.NewClient(ctx, cfg.CaptureWorker)
		if err != nil {
			log.Fatalf("Failed to connect to capture worker: %v", err)
		}
		defer client.Close()

		dispatcher = capture.NewGRPCDispatcher(client)
	}

	captureCfg := cfg.Capture
	captureCfg.DispatchTimeout = time.Duration(cfg.DispatchTimeout)

	pcap := capture.NewService(store, captureCfg, dispatcher)
	tracker := reach.NewTracker(store, cfg.ProbeMaxTries, time.Duration(cfg.ProbeWindow))
	engine := ingest.NewEngine(store, topology.NewBuilder(store, tracker), pcap)

	var (
		adapters []ingest.Adapter
		pub      reach.Publisher
	)

	if cfg.MQTT != nil {
		m := ingest.NewMQTTAdapter(engine, *cfg.MQTT)
		adapters = append(adapters, m)
		pub = m
	}

	if cfg.Serial != nil {
		s := ingest.NewSerialAdapter(engine, *cfg.Serial)
		adapters = append(adapters, s)

		if pub == nil {
			pub = s
		}
	}

	if cfg.Websocket != nil {
		w := ingest.NewWSAdapter(engine, *cfg.Websocket)
		adapters = append(adapters, w)

		if pub == nil {
			pub = w
		}
	}

	svc := ingest.NewService(adapters, reach.NewScheduler(store, tracker, pub))

	err = lifecycle.RunServer(ctx, &lifecycle.ServerOptions{
		ListenAddr:  cfg.ListenAddr,
		ServiceName: "MeshsightIngest",
		Service:     svc,
		Security:    cfg.Security,
	})
	if err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// seed writes configured channel keys and virtual-node keypairs into the
// store so the crypto paths can find them.
func seed(store db.Service, cfg *daemonConfig) error {
	now := time.Now().UTC()

	for id, psk := range cfg.Channels {
		if _, err := store.GetOrCreateChannel(id, now); err != nil {
			return err
		}

		if err := store.SetChannelPSK(id, psk); err != nil {
			return err
		}
	}

	for _, vn := range cfg.VirtualNodes {
		if _, err := store.GetOrCreateNode(vn.NodeNum, now); err != nil {
			return err
		}

		if err := store.SetNodeKeys(vn.NodeNum, vn.PublicKey, vn.PrivateKey); err != nil {
			return err
		}
	}

	return nil
}
