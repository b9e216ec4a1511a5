package cryptoutils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ruteri/tee-solver-registry/interfaces"
	"gopkg.in/yaml.v3"
)

// AppCompose is the dstack application manifest measured into RTMR3.
type AppCompose struct {
	ManifestVersion   int      `json:"manifest_version"`
	Name              string   `json:"name"`
	Runner            string   `json:"runner"`
	DockerComposeFile string   `json:"docker_compose_file"`
	Features          []string `json:"features"`
	KmsEnabled        bool     `json:"kms_enabled"`
	GatewayEnabled    bool     `json:"gateway_enabled"`
	AllowedEnvs       []string `json:"allowed_envs"`
	NoInstanceID      bool     `json:"no_instance_id"`
}

// ParseAppCompose decodes the app compose manifest.
func ParseAppCompose(appCompose string) (*AppCompose, error) {
	var manifest AppCompose
	if err := json.Unmarshal([]byte(appCompose), &manifest); err != nil {
		return nil, fmt.Errorf("%w: app compose: %v", interfaces.ErrMalformedConfiguration, err)
	}
	return &manifest, nil
}

// DockerComposeHash is the SHA-256 of the manifest's docker_compose_file.
// This is the compose hash owners approve.
func DockerComposeHash(appCompose string) ([sha256.Size]byte, error) {
	manifest, err := ParseAppCompose(appCompose)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	if manifest.DockerComposeFile == "" {
		return [sha256.Size]byte{}, fmt.Errorf("%w: missing docker_compose_file", interfaces.ErrMalformedConfiguration)
	}
	return sha256.Sum256([]byte(manifest.DockerComposeFile)), nil
}

const imageDigestDelimiter = "@sha256:"

type composeService struct {
	Image string `yaml:"image"`
}

// ExtractImageDigest returns the sha256 hex pinned by the first service image of
// the docker compose file. Services are visited in document order.
// Documents that do not parse fall back to scanning for the first indented image line.
func ExtractImageDigest(appCompose string) (string, error) {
	image, err := firstServiceImage(appCompose)
	if err != nil {
		image, err = scanFirstImage(appCompose)
		if err != nil {
			return "", err
		}
	}

	_, digest, found := strings.Cut(image, imageDigestDelimiter)
	if !found {
		return "", fmt.Errorf("%w: image %q is not pinned by digest", interfaces.ErrMalformedConfiguration, image)
	}
	digest = strings.TrimSpace(digest)
	if _, err := interfaces.ParseDigestHex(digest, sha256.Size); err != nil {
		return "", fmt.Errorf("%w: image digest %q", interfaces.ErrMalformedConfiguration, digest)
	}
	return digest, nil
}

func firstServiceImage(appCompose string) (string, error) {
	manifest, err := ParseAppCompose(appCompose)
	if err != nil {
		return "", err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(manifest.DockerComposeFile), &doc); err != nil {
		return "", fmt.Errorf("%w: docker compose file: %v", interfaces.ErrMalformedConfiguration, err)
	}
	if len(doc.Content) == 0 {
		return "", fmt.Errorf("%w: empty docker compose file", interfaces.ErrMalformedConfiguration)
	}

	services := mappingValue(doc.Content[0], "services")
	if services == nil || services.Kind != yaml.MappingNode {
		return "", fmt.Errorf("%w: no services", interfaces.ErrMalformedConfiguration)
	}

	// Mapping content alternates key and value nodes.
	for i := 1; i < len(services.Content); i += 2 {
		var service composeService
		if err := services.Content[i].Decode(&service); err != nil {
			continue
		}
		if service.Image != "" {
			return service.Image, nil
		}
	}
	return "", fmt.Errorf("%w: no service image", interfaces.ErrMalformedConfiguration)
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

// scanFirstImage finds the first service-level "image:" line in the raw,
// JSON-escaped manifest text and returns the rest of that line.
func scanFirstImage(appCompose string) (string, error) {
	const marker = `\n    image:`

	_, rest, found := strings.Cut(appCompose, marker)
	if !found {
		return "", fmt.Errorf("%w: no image field", interfaces.ErrMalformedConfiguration)
	}
	line, _, _ := strings.Cut(rest, `\n`)
	return strings.TrimSpace(line), nil
}

// ComposeMeasurements returns the hex forms of both reference measurements
// derivable from the manifest: the docker compose hash and the compose-hash event digest.
func ComposeMeasurements(appCompose string) (composeHash string, eventDigest string, err error) {
	hash, err := DockerComposeHash(appCompose)
	if err != nil {
		return "", "", err
	}
	digest := ComposeHashEventDigest(appCompose)
	return hex.EncodeToString(hash[:]), hex.EncodeToString(digest[:]), nil
}
