package license_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/maksec/msgguard/internal/license"
)

func writeSnapshot(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "license.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	return path
}

func TestGate_MissingSnapshotFailsClosed(t *testing.T) {
	g := license.NewGate(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if g.Allows(license.FeatureRelativeAlerts) {
		t.Fatal("missing snapshot must deny")
	}
}

func TestGate_MalformedSnapshotFailsClosed(t *testing.T) {
	path := writeSnapshot(t, "key: [unterminated")
	g := license.NewGate(path, nil)
	if g.Allows(license.FeatureRelativeAlerts) {
		t.Fatal("malformed snapshot must deny")
	}
}

func TestGate_ValidSnapshotAllowsListedFeatures(t *testing.T) {
	path := writeSnapshot(t, `
key: lic-123
features:
  - relative_alerts
expires_at: 2099-01-01T00:00:00Z
`)
	g := license.NewGate(path, nil)
	if !g.Allows(license.FeatureRelativeAlerts) {
		t.Fatal("listed feature denied")
	}
	if g.Allows(license.FeatureVoiceAnalysis) {
		t.Fatal("unlisted feature allowed")
	}
}

func TestGate_ExpiredSnapshotFailsClosed(t *testing.T) {
	path := writeSnapshot(t, `
key: lic-123
features:
  - relative_alerts
expires_at: 2020-01-01T00:00:00Z
`)
	g := license.NewGate(path, nil)
	if g.Allows(license.FeatureRelativeAlerts) {
		t.Fatal("expired snapshot must deny")
	}
}

func TestGate_ReloadPicksUpNewSnapshot(t *testing.T) {
	path := writeSnapshot(t, "key: lic-123\nfeatures: []\n")
	g := license.NewGate(path, nil)
	if g.Allows(license.FeatureRelativeAlerts) {
		t.Fatal("feature allowed before grant")
	}
	if err := os.WriteFile(path, []byte("key: lic-123\nfeatures: [relative_alerts]\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := g.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !g.Allows(license.FeatureRelativeAlerts) {
		t.Fatal("reload did not pick up grant")
	}
}
