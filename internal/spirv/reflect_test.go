package spirv_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/gal/internal/spirv"
	"github.com/gogpu/gal/internal/spirv/spirvtest"
)

func TestReflectEntryPoints(t *testing.T) {
	b := spirvtest.New()
	b.EntryPoint(spirv.StageVertex, "vs_main").Input(1).Input(0)
	b.EntryPoint(spirv.StageFragment, "fs_main")

	m, err := spirv.Reflect(b.Words())
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if m.Version != 0x00010000 {
		t.Errorf("Version = %#x, want 0x10000", m.Version)
	}

	vs, ok := m.EntryPoint(spirv.StageVertex)
	if !ok {
		t.Fatal("vertex entry point missing")
	}
	if vs.Name != "vs_main" {
		t.Errorf("vertex name = %q, want vs_main", vs.Name)
	}
	if !slices.Equal(vs.Inputs, []uint32{0, 1}) {
		t.Errorf("vertex inputs = %v, want [0 1]", vs.Inputs)
	}

	fs, ok := m.EntryPoint(spirv.StageFragment)
	if !ok || fs.Name != "fs_main" {
		t.Errorf("fragment entry point = %+v, %v", fs, ok)
	}
	if _, ok := m.EntryPoint(spirv.StageCompute); ok {
		t.Error("unexpected compute entry point")
	}
}

func TestReflectBindings(t *testing.T) {
	b := spirvtest.Fragment().
		UniformBuffer(1, 0).
		Texture(0, 0).
		Sampler(0, 1).
		CombinedImageSampler(0, 2).
		StorageBuffer(0, 3)

	m, err := spirv.Reflect(b.Words())
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}

	want := []struct {
		set, binding uint32
		kind         spirv.ResourceKind
	}{
		{0, 0, spirv.ResourceImage},
		{0, 1, spirv.ResourceSampler},
		{0, 2, spirv.ResourceSampledImage},
		{0, 3, spirv.ResourceStorageBuffer},
		{1, 0, spirv.ResourceUniformBuffer},
	}
	if len(m.Bindings) != len(want) {
		t.Fatalf("got %d bindings, want %d: %+v", len(m.Bindings), len(want), m.Bindings)
	}
	for i, w := range want {
		got := m.Bindings[i]
		if got.Set != w.set || got.Binding != w.binding || got.Kind != w.kind {
			t.Errorf("binding %d = %+v, want set %d binding %d kind %v", i, got, w.set, w.binding, w.kind)
		}
	}
	if _, ok := m.Binding(0, 9); ok {
		t.Error("Binding(0, 9) found a binding that was never declared")
	}
	if m.UsesPushConstants {
		t.Error("UsesPushConstants = true without a push-constant block")
	}
}

func TestReflectPushConstants(t *testing.T) {
	m, err := spirv.Reflect(spirvtest.Vertex(0).PushConstants().Words())
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if !m.UsesPushConstants {
		t.Error("UsesPushConstants = false")
	}
	if len(m.Bindings) != 0 {
		t.Errorf("push constants reported as bindings: %+v", m.Bindings)
	}
}

func TestReflectBindingsPerEntryPoint(t *testing.T) {
	b := spirvtest.New().
		UniformBuffer(0, 0).
		Texture(1, 0).
		Sampler(1, 1).
		PushConstants()
	b.EntryPoint(spirv.StageVertex, "vs_main").Use(0, 0).UsePushConstants()
	b.EntryPoint(spirv.StageFragment, "fs_main").Use(1, 0).Use(1, 1)

	m, err := spirv.Reflect(b.Words())
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if len(m.Bindings) != 3 || !m.UsesPushConstants {
		t.Errorf("module bindings = %+v, push = %v, want all three and push", m.Bindings, m.UsesPushConstants)
	}

	tests := []struct {
		stage spirv.Stage
		want  [][2]uint32
		push  bool
	}{
		{spirv.StageVertex, [][2]uint32{{0, 0}}, true},
		{spirv.StageFragment, [][2]uint32{{1, 0}, {1, 1}}, false},
	}
	for _, tt := range tests {
		ep, ok := m.EntryPoint(tt.stage)
		if !ok {
			t.Fatalf("%v entry point missing", tt.stage)
		}
		var got [][2]uint32
		for _, eb := range ep.Bindings {
			got = append(got, [2]uint32{eb.Set, eb.Binding})
		}
		if !slices.Equal(got, tt.want) {
			t.Errorf("%v bindings = %v, want %v", tt.stage, got, tt.want)
		}
		if ep.UsesPushConstants != tt.push {
			t.Errorf("%v UsesPushConstants = %v, want %v", tt.stage, ep.UsesPushConstants, tt.push)
		}
	}
}

func TestReflectInvalid(t *testing.T) {
	valid := spirvtest.Fragment().Words()
	truncated := append([]uint32(nil), valid...)
	truncated[len(truncated)-1] = 0x00050000 // claims 5 words at the end

	tests := []struct {
		name  string
		words []uint32
	}{
		{"empty", nil},
		{"short header", []uint32{spirv.Magic, 0x10000}},
		{"bad magic", []uint32{0xdeadbeef, 0x10000, 0, 1, 0}},
		{"zero length instruction", []uint32{spirv.Magic, 0x10000, 0, 1, 0, 0}},
		{"truncated instruction", truncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := spirv.Reflect(tt.words)
			if !errors.Is(err, spirv.ErrInvalid) {
				t.Errorf("Reflect error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestWords(t *testing.T) {
	b := spirvtest.Vertex(0, 1)
	words, err := spirv.Words(b.Bytes())
	if err != nil {
		t.Fatalf("Words: %v", err)
	}
	if !slices.Equal(words, b.Words()) {
		t.Error("Words(Bytes()) differs from Words()")
	}

	if _, err := spirv.Words([]byte{1, 2, 3}); !errors.Is(err, spirv.ErrInvalid) {
		t.Errorf("Words(3 bytes) error = %v, want ErrInvalid", err)
	}
}

func TestStageString(t *testing.T) {
	if got := spirv.StageFragment.String(); got != "fragment" {
		t.Errorf("StageFragment.String() = %q", got)
	}
	if got := spirv.Stage(9).String(); got != "Stage(9)" {
		t.Errorf("Stage(9).String() = %q", got)
	}
}
