// Package render produces per-user client configuration files and QR
// images. Output is byte-reproducible: the same record and key always
// yield the same artifact bytes.
package render

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/licht8/pyWGgen-sub000/controller/config"
	"github.com/licht8/pyWGgen-sub000/shared/models"
)

// Renderer writes client artifacts under the configured directories.
type Renderer struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewRenderer returns a renderer bound to the configuration.
func NewRenderer(cfg *config.Config, logger *slog.Logger) *Renderer {
	return &Renderer{cfg: cfg, logger: logger}
}

// ClientConfig renders the client configuration text for a record and its
// ephemeral private key. Field order and spacing are fixed.
func (r *Renderer) ClientConfig(rec *models.UserRecord, privateKey string) string {
	return fmt.Sprintf(`[Interface]
PrivateKey = %s
Address    = %s
DNS        = %s

[Peer]
PublicKey    = %s
PresharedKey = %s
Endpoint     = %s
AllowedIPs   = 0.0.0.0/0,::/0
`,
		privateKey,
		rec.Address,
		strings.Join(r.cfg.DNS, ", "),
		r.cfg.ServerPublicKey,
		rec.PresharedKey,
		r.cfg.Endpoint,
	)
}

// Render writes <artifact_dir>/<username>.conf (0600) and .png (0644) and
// returns the two paths. The QR encodes the exact bytes of the text.
func (r *Renderer) Render(rec *models.UserRecord, privateKey string) (confPath, qrPath string, err error) {
	if err := os.MkdirAll(r.cfg.ArtifactDir, 0700); err != nil {
		return "", "", fmt.Errorf("creating artifact dir: %w", err)
	}
	text := r.ClientConfig(rec, privateKey)

	confPath = filepath.Join(r.cfg.ArtifactDir, rec.Username+".conf")
	if err := os.WriteFile(confPath, []byte(text), 0600); err != nil {
		return "", "", fmt.Errorf("writing client config: %w", err)
	}

	qrPath = filepath.Join(r.cfg.ArtifactDir, rec.Username+".png")
	png, err := qrcode.Encode(text, qrcode.Medium, 512)
	if err != nil {
		return "", "", fmt.Errorf("encoding QR: %w", err)
	}
	if err := os.WriteFile(qrPath, png, 0644); err != nil {
		return "", "", fmt.Errorf("writing QR: %w", err)
	}

	r.logger.Info("client artifacts rendered", "user", rec.Username, "conf", confPath, "qr", qrPath)
	return confPath, qrPath, nil
}

// Archive moves a user's artifacts into the archive directory. Missing
// artifacts are not an error; deletion must succeed without them.
func (r *Renderer) Archive(rec *models.UserRecord) error {
	if err := os.MkdirAll(r.cfg.ArchiveDir, 0700); err != nil {
		return fmt.Errorf("creating archive dir: %w", err)
	}
	for _, path := range []string{rec.ClientConfigPath, rec.QRPath} {
		if path == "" {
			continue
		}
		dst := filepath.Join(r.cfg.ArchiveDir, filepath.Base(path))
		if err := os.Rename(path, dst); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("archiving %s: %w", path, err)
		}
	}
	return nil
}
