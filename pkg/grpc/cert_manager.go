package grpc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/meshsight/meshsight/pkg/models"
)

const (
	certManagerPerms = 0700
)

var (
	errMissingCerts = fmt.Errorf("missing certificates")
)

// CertificateManager helps manage TLS certificates.
type CertificateManager struct {
	config *models.SecurityConfig
}

func NewCertificateManager(config *models.SecurityConfig) *CertificateManager {
	return &CertificateManager{config: config}
}

func (cm *CertificateManager) EnsureCertificateDirectory() error {
	return os.MkdirAll(cm.config.CertDir, certManagerPerms)
}

func (cm *CertificateManager) ValidateCertificates(mutual bool) error {
	required := []string{"root.pem", "server.pem", "server-key.pem"}
	if mutual {
		required = append(required, "client.pem", "client-key.pem")
	}

	var missing []string

	for _, file := range required {
		path := filepath.Join(cm.config.CertDir, file)

		if _, err := os.Stat(path); os.IsNotExist(err) {
			missing = append(missing, file)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w %s", errMissingCerts, strings.Join(missing, ", "))
	}

	return nil
}
