// Package passkit renders signed .pkpass bundles.
package passkit

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"go.mozilla.org/pkcs7"

	"github.com/poofware/wallet-service/internal/models"
)

const (
	passFile      = "pass.json"
	manifestFile  = "manifest.json"
	signatureFile = "signature"

	ContentType = "application/vnd.apple.pkpass"
)

type Config struct {
	TeamIdentifier   string
	OrganizationName string
	WebServiceURL    string
	ForegroundColor  string
	BackgroundColor  string
	// TemplateDir holds the images copied into every bundle. Without it a
	// plain generated icon is used.
	TemplateDir string
}

// TokenFunc returns the authentication token embedded for an identity.
type TokenFunc func(identity string) string

type Builder struct {
	cfg      Config
	identity *Identity
	tokens   TokenFunc
	assets   map[string][]byte
	now      func() time.Time
}

func NewBuilder(cfg Config, identity *Identity, tokens TokenFunc) (*Builder, error) {
	if identity == nil {
		return nil, fmt.Errorf("passkit: signing identity is required")
	}
	if cfg.ForegroundColor == "" {
		cfg.ForegroundColor = "rgb(255, 255, 255)"
	}
	if cfg.BackgroundColor == "" {
		cfg.BackgroundColor = "rgb(60, 65, 76)"
	}

	assets, err := loadAssets(cfg.TemplateDir)
	if err != nil {
		return nil, err
	}
	return &Builder{
		cfg:      cfg,
		identity: identity,
		tokens:   tokens,
		assets:   assets,
		now:      time.Now,
	}, nil
}

// Build returns the zipped bundle for p: pass.json, the template images,
// manifest.json and the detached signature over the manifest.
func (b *Builder) Build(ctx context.Context, p *models.Pass) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	passBytes, err := json.Marshal(b.passDocument(p))
	if err != nil {
		return nil, fmt.Errorf("encode pass.json: %w", err)
	}

	files := make(map[string][]byte, len(b.assets)+3)
	for name, data := range b.assets {
		files[name] = data
	}
	files[passFile] = passBytes

	manifest, err := buildManifest(files)
	if err != nil {
		return nil, err
	}
	files[manifestFile] = manifest

	sig, err := b.identity.SignDetached(manifest)
	if err != nil {
		return nil, err
	}
	files[signatureFile] = sig

	return b.zip(files)
}

// buildManifest maps every file name to the hex SHA-1 of its contents.
func buildManifest(files map[string][]byte) ([]byte, error) {
	manifest := make(map[string]string, len(files))
	for name, data := range files {
		sum := sha1.Sum(data)
		manifest[name] = hex.EncodeToString(sum[:])
	}
	b, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return b, nil
}

func (b *Builder) zip(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	modified := b.now()
	for _, name := range names {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return nil, fmt.Errorf("zip %s: %w", name, err)
		}
		if _, err := w.Write(files[name]); err != nil {
			return nil, fmt.Errorf("zip %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}

// SignDetached produces a DER PKCS#7 signature over data without embedding
// data, carrying the signer and intermediate certificates.
func (id *Identity) SignDetached(data []byte) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(data)
	if err != nil {
		return nil, fmt.Errorf("pkcs7 init: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSignerChain(id.Certificate, id.PrivateKey, id.Intermediate, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("pkcs7 add signer: %w", err)
	}
	sd.Detach()
	sig, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("pkcs7 finish: %w", err)
	}
	return sig, nil
}

var requiredAssets = []string{"icon.png", "icon@2x.png"}

func loadAssets(dir string) (map[string][]byte, error) {
	assets := map[string][]byte{}
	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read pass template dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".png") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", e.Name(), err)
			}
			assets[e.Name()] = data
		}
	}

	for i, name := range requiredAssets {
		if _, ok := assets[name]; ok {
			continue
		}
		icon, err := solidPNG(29*(i+1), color.RGBA{R: 60, G: 65, B: 76, A: 255})
		if err != nil {
			return nil, err
		}
		assets[name] = icon
	}
	return assets, nil
}

func solidPNG(size int, c color.Color) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode icon: %w", err)
	}
	return buf.Bytes(), nil
}
