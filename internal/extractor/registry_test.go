package extractor

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/castnet/trawler/internal/types"
)

const defA = `itemUrls:
  selector: a.product-card
pagination:
  type: next
  selector: a.next
`

const defB = `id: shop-b
itemUrls:
  selector: div.tile a
`

func writeDefs(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestRegistryLoadAndGet(t *testing.T) {
	dir := writeDefs(t, map[string]string{
		"shop-a.yaml": defA,
		"other.yml":   defB,
		"notes.txt":   "ignored",
	})

	reg, err := NewRegistry(dir, false)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close()

	a, err := reg.Get("shop-a")
	if err != nil {
		t.Fatalf("Get(shop-a): %v", err)
	}
	if a.Pagination.Selector != "a.next" {
		t.Errorf("pagination selector = %q", a.Pagination.Selector)
	}

	// Explicit id wins over the file stem.
	if _, err := reg.Get("shop-b"); err != nil {
		t.Errorf("Get(shop-b): %v", err)
	}
	if _, err := reg.Get("other"); err == nil {
		t.Error("file stem should not be registered when id is explicit")
	}

	if got := reg.IDs(); !reflect.DeepEqual(got, []string{"generic", "shop-a", "shop-b"}) {
		t.Errorf("IDs = %v", got)
	}
}

func TestRegistryEmbeddedDefaults(t *testing.T) {
	reg, err := NewRegistry("", false)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close()

	def, err := reg.Get("generic")
	if err != nil {
		t.Fatalf("Get(generic): %v", err)
	}
	if def.Mode() != PaginateNext {
		t.Errorf("generic pagination mode = %q", def.Mode())
	}
	if def.Item.Availability.Contains != "InStock" {
		t.Errorf("generic availability rule = %+v", def.Item.Availability)
	}
}

func TestRegistryDirectoryOverridesEmbedded(t *testing.T) {
	dir := writeDefs(t, map[string]string{
		"generic.yaml": "id: generic\nitemUrls:\n  selector: a.custom\n",
	})
	reg, err := NewRegistry(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	def, err := reg.Get("generic")
	if err != nil {
		t.Fatal(err)
	}
	if def.ItemURLs.Selector != "a.custom" {
		t.Errorf("selector = %q, want directory override", def.ItemURLs.Selector)
	}
}

func TestRegistryGetMissing(t *testing.T) {
	dir := writeDefs(t, map[string]string{"shop-a.yaml": defA})
	reg, err := NewRegistry(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	_, err = reg.Get("ghost")
	if !errors.Is(err, types.ErrExtractorNotFound) {
		t.Fatalf("err = %v, want ErrExtractorNotFound", err)
	}
	if !strings.Contains(err.Error(), "failed to load scraper") {
		t.Errorf("message %q should carry the loader wording", err.Error())
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("message %q should name the extractor", err.Error())
	}
}

func TestRegistryReload(t *testing.T) {
	dir := writeDefs(t, map[string]string{"shop-a.yaml": defA})
	reg, err := NewRegistry(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	updated := strings.Replace(defA, "a.next", "a.pagination-next", 1)
	if err := os.WriteFile(filepath.Join(dir, "shop-a.yaml"), []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	def, err := reg.Get("shop-a")
	if err != nil {
		t.Fatal(err)
	}
	if def.Pagination.Selector != "a.pagination-next" {
		t.Errorf("selector = %q, want reloaded value", def.Pagination.Selector)
	}
	if reg.Stats().ReloadCount != 1 {
		t.Errorf("reload count = %d", reg.Stats().ReloadCount)
	}
}

func TestRegistryBadReloadKeepsPrevious(t *testing.T) {
	dir := writeDefs(t, map[string]string{"shop-a.yaml": defA})
	reg, err := NewRegistry(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	if err := os.WriteFile(filepath.Join(dir, "shop-a.yaml"), []byte("{{{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reload(); err == nil {
		t.Fatal("expected reload error")
	}

	// Previous definitions still served.
	if _, err := reg.Get("shop-a"); err != nil {
		t.Errorf("previous definition lost after failed reload: %v", err)
	}
	if reg.Stats().LastErrorStr == "" {
		t.Error("stats should record the failure")
	}
}

func TestRegistryDuplicateID(t *testing.T) {
	dir := writeDefs(t, map[string]string{
		"one.yaml": "id: same\nitemUrls:\n  selector: a\n",
		"two.yaml": "id: same\nitemUrls:\n  selector: a\n",
	})
	if _, err := NewRegistry(dir, false); err == nil {
		t.Fatal("duplicate ids must fail the load")
	}
}

func TestRegistryHotReload(t *testing.T) {
	dir := writeDefs(t, map[string]string{"shop-a.yaml": defA})
	reg, err := NewRegistry(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	if err := os.WriteFile(filepath.Join(dir, "shop-c.yaml"), []byte(defB), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := reg.Get("shop-b"); err == nil {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("watcher never picked up the new definition")
}
