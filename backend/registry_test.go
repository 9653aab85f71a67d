package backend

import (
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/gal/gpucore"
)

type fakeBackend struct{ name string }

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) CreateInstance(*gpucore.InstanceDesc) (gpucore.Instance, error) {
	return nil, errors.New("fake: no instance")
}

func register(t *testing.T, name string, err error) {
	t.Helper()
	Register(name, func() (Backend, error) {
		if err != nil {
			return nil, err
		}
		return &fakeBackend{name: name}, nil
	})
	t.Cleanup(func() { Unregister(name) })
}

func TestRegisterAndGet(t *testing.T) {
	register(t, "test-a", nil)

	if !IsRegistered("test-a") {
		t.Fatal("IsRegistered(test-a) = false, want true")
	}
	b, err := Get("test-a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if b.Name() != "test-a" {
		t.Errorf("Name() = %q, want %q", b.Name(), "test-a")
	}
}

func TestGetUnknown(t *testing.T) {
	_, err := Get("does-not-exist")
	if !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("Get(unknown) error = %v, want ErrBackendNotAvailable", err)
	}
}

func TestGetFactoryError(t *testing.T) {
	register(t, "test-broken", ErrNotInitialized)

	_, err := Get("test-broken")
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Get(broken) error = %v, want ErrNotInitialized", err)
	}
}

func TestAvailablePriorityOrder(t *testing.T) {
	register(t, "zz-custom", nil)
	register(t, NameSoft, nil)
	register(t, NameVulkan, nil)

	names := Available()
	iv := slices.Index(names, NameVulkan)
	is := slices.Index(names, NameSoft)
	ic := slices.Index(names, "zz-custom")
	if iv < 0 || is < 0 || ic < 0 {
		t.Fatalf("Available() = %v, missing registered names", names)
	}
	if iv >= is || is >= ic {
		t.Errorf("Available() = %v, want vulkan < soft < custom", names)
	}
}

func TestSelectFallsThrough(t *testing.T) {
	register(t, "test-broken", ErrNotInitialized)
	register(t, "test-ok", nil)

	b, err := Select("missing", "test-broken", "test-ok")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if b.Name() != "test-ok" {
		t.Errorf("Select() = %q, want %q", b.Name(), "test-ok")
	}
}

func TestSelectNoneAvailable(t *testing.T) {
	register(t, "test-broken", ErrNotInitialized)

	_, err := Select("missing", "test-broken")
	if !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("Select() error = %v, want ErrBackendNotAvailable", err)
	}
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Select() error = %v, want it to carry ErrNotInitialized", err)
	}
}
