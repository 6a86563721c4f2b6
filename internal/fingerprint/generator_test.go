package fingerprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	g := New(nil)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase and trim", "  An App For Dog Walkers  ", "an application for dog walkers"},
		{"punctuation to spaces", "uber, but for boats!!", "uber but for boats"},
		{"collapse whitespace", "too   many\t\tspaces", "too many spaces"},
		{"strip single prefix", "idea: dog walking marketplace", "dog walking marketplace"},
		{"strip stacked prefixes", "idea: someone should build a boat rental app", "a boat rental application"},
		{"diacritics folded", "café management", "cafe management"},
		{"synonyms applied", "saas for freelancers", "application for freelancer"},
		{"empty input", "", ""},
		{"punctuation only", "?!... ---", ""},
		{"prefix only", "someone should build", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, g.Normalize(tt.in))
		})
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	t.Parallel()
	g := New(nil)

	a, err := g.Fingerprint("Idea: an app for dog walkers!")
	require.NoError(t, err)
	b, err := g.Fingerprint("an application for dog walkers")
	require.NoError(t, err)

	assert.Equal(t, a, b, "equivalent phrasings must share a fingerprint")
	assert.Len(t, a, 64)
}

func TestFingerprintDistinctTexts(t *testing.T) {
	t.Parallel()
	g := New(nil)

	a, err := g.Fingerprint("meal planning for diabetics")
	require.NoError(t, err)
	b, err := g.Fingerprint("invoice tracking for plumbers")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestFingerprintSentinel(t *testing.T) {
	t.Parallel()
	g := New(nil)

	for _, in := range []string{"", "   ", "?!?!", "business idea:"} {
		fp, err := g.Fingerprint(in)
		assert.ErrorIs(t, err, ErrNoFingerprint, "input %q", in)
		assert.Equal(t, NoFingerprint, fp)
	}
}

func TestCustomSynonymsOverrideDefaults(t *testing.T) {
	t.Parallel()
	g := New(map[string]string{"App": "gadget", "boat": "vessel"})

	assert.Equal(t, "an gadget for vessel owners", g.Normalize("an app for boat owners"))
}

func TestLoadSynonyms(t *testing.T) {
	t.Parallel()

	t.Run("empty path", func(t *testing.T) {
		t.Parallel()
		syn, err := LoadSynonyms("")
		require.NoError(t, err)
		assert.Nil(t, syn)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		syn, err := LoadSynonyms(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Nil(t, syn)
	})

	t.Run("valid file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "synonyms.yaml")
		require.NoError(t, os.WriteFile(path, []byte("synonyms:\n  gig: job\n  gigs: job\n"), 0o644))

		syn, err := LoadSynonyms(path)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"gig": "job", "gigs": "job"}, syn)
	})

	t.Run("malformed file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("synonyms: [not, a, map]"), 0o644))

		_, err := LoadSynonyms(path)
		assert.Error(t, err)
	})
}
