package resource

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"path"
	"strings"
)

// Kind classifies a resource by the role its payload plays for the consumer.
type Kind string

const (
	KindImage  Kind = "image"
	KindScript Kind = "script"
	KindStyle  Kind = "style"
	KindData   Kind = "data"
	KindOther  Kind = "other"
)

var (
	ErrEmptyID      = errors.New("resource: empty id")
	ErrEmptyURL     = errors.New("resource: empty url")
	ErrNegativeSize = errors.New("resource: negative size")
	ErrUnknownKind  = errors.New("resource: unknown kind")
	ErrDuplicateID  = errors.New("resource: duplicate id")
)

// Descriptor is a single fetchable asset. Descriptors are owned by the caller
// and treated as read-only by every component that receives them.
type Descriptor struct {
	ID        string `yaml:"id" json:"id"`
	URL       string `yaml:"url" json:"url"`
	Kind      Kind   `yaml:"kind" json:"kind"`
	Priority  int    `yaml:"priority" json:"priority"`
	SizeBytes int64  `yaml:"size_bytes" json:"size_bytes"` // 0 when unknown
	Visible   bool   `yaml:"visible" json:"visible"`
}

// Validate reports the first structural problem with d.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return ErrEmptyID
	}
	if strings.TrimSpace(d.URL) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyURL, d.ID)
	}
	if d.SizeBytes < 0 {
		return fmt.Errorf("%w: %s (%d)", ErrNegativeSize, d.ID, d.SizeBytes)
	}
	return nil
}

// ParseKind maps a manifest string onto a Kind. The empty string is KindOther.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindImage:
		return KindImage, nil
	case KindScript:
		return KindScript, nil
	case KindStyle:
		return KindStyle, nil
	case KindData:
		return KindData, nil
	case KindOther, "":
		return KindOther, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// KindFromURL guesses a Kind from the URL path extension.
func KindFromURL(raw string) Kind {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg", ".ico":
		return KindImage
	case ".js", ".mjs", ".wasm":
		return KindScript
	case ".css":
		return KindStyle
	case ".json", ".xml", ".csv", ".bin", ".pb":
		return KindData
	default:
		return KindOther
	}
}

// CheckUnique validates every descriptor and rejects repeated ids.
func CheckUnique(list []Descriptor) error {
	seen := make(map[string]struct{}, len(list))
	for _, d := range list {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, ok := seen[d.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}

// TotalBytes sums the declared sizes of list.
func TotalBytes(list []Descriptor) int64 {
	var total int64
	for _, d := range list {
		total += d.SizeBytes
	}
	return total
}

// DeriveID returns a stable 16-character hex id for a URL, used when a
// manifest entry does not name one.
func DeriveID(rawURL string) string {
	h := fnv.New64a()
	h.Write([]byte(rawURL))
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, h.Sum64())
	return hex.EncodeToString(buf)
}
