package models

// ServerConfig holds a process's gRPC listener configuration.
type ServerConfig struct {
	ListenAddr string          `json:"listen_addr"`
	Security   *SecurityConfig `json:"security"`
}

type ServiceRole string

const (
	RoleIngestor      ServiceRole = "ingestor"       // Client and Server
	RoleCaptureWorker ServiceRole = "capture_worker" // Server only
)

// SecurityConfig holds common security configuration.
type SecurityConfig struct {
	Mode           SecurityMode `json:"mode"`
	CertDir        string       `json:"cert_dir"`
	ServerName     string       `json:"server_name,omitempty"`
	Role           ServiceRole  `json:"role"`
	TrustDomain    string       `json:"trust_domain,omitempty"`    // For SPIFFE
	WorkloadSocket string       `json:"workload_socket,omitempty"` // For SPIFFE
}

// SecurityMode defines the type of security to use.
type SecurityMode string
