package parser

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/alecthomas/assert"
)

func TestIsValidDosFileName(t *testing.T) {
	for _, name := range []string{"README", "A.TXT", "AUTOEXEC.BAT", "X~1", "$MFT"} {
		assert.True(t, IsValidDosFileName(name), name)
	}

	for _, name := range []string{
		"", "readme.txt", "TOOLONGNAME.TXT", "A.TEXT", "A.B.C", "A.",
		".TXT", "WITH SPACE", "A+B",
	} {
		assert.False(t, IsValidDosFileName(name), name)
	}
}

func TestGenerateDosName(t *testing.T) {
	index, _ := newMemoryIndex(4096, 0x1000)

	name, err := GenerateDosName(index, "Long File Name.txt")
	assert.NoError(t, err)
	assert.Equal(t, "LONGFI~1.TXT", name)

	// Taken names bump the counter.
	assert.NoError(t, index.Insert(name, testReference(1), false))
	name, err = GenerateDosName(index, "Long File Name.txt")
	assert.NoError(t, err)
	assert.Equal(t, "LONGFI~2.TXT", name)

	// Only the last dot starts the extension and it is truncated.
	name, err = GenerateDosName(index, "archive.tar.gzip")
	assert.NoError(t, err)
	assert.Equal(t, "ARCHIV~1.GZI", name)

	// Leading dots are skipped.
	name, err = GenerateDosName(index, ".profile")
	assert.NoError(t, err)
	assert.Equal(t, "PROFIL~1", name)

	// Characters outside the DOS set become hex.
	name, err = GenerateDosName(index, "a+b.c")
	assert.NoError(t, err)
	assert.Equal(t, "A002BB~1.C", name)

	_, err = GenerateDosName(index, "...")
	assert.True(t, errors.Is(err, InvalidNameError))
}

func TestGenerateDosNameWideCounter(t *testing.T) {
	index, _ := newMemoryIndex(4096, 0x100000)

	for i := 1; i <= 0x10; i++ {
		name, err := GenerateDosName(index, "document.docx")
		assert.NoError(t, err)
		assert.NoError(t, index.Insert(name, testReference(i), false))
	}

	// Two digit counters shorten the base.
	name, err := GenerateDosName(index, "document.docx")
	assert.NoError(t, err)
	assert.Equal(t, "DOCUM~11.DOC", name)
}

func TestGenerateDosNameAlwaysValid(t *testing.T) {
	index, _ := newMemoryIndex(4096, 0x1000)
	rng := rand.New(rand.NewSource(7))
	alphabet := []rune("abcXYZ019 ..+-_~[]=;,éü日")

	generated := map[string]bool{}
	for i := 0; i < 300; i++ {
		runes := []rune{'a' + rune(rng.Intn(26))}
		for j := rng.Intn(30); j > 0; j-- {
			runes = append(runes, alphabet[rng.Intn(len(alphabet))])
		}
		long_name := string(runes)

		name, err := GenerateDosName(index, long_name)
		assert.NoError(t, err, long_name)
		assert.True(t, IsValidDosFileName(name), "%q from %q", name, long_name)
		assert.False(t, generated[name], "%q generated twice", name)

		present, err := index.ContainsFileName(name)
		assert.NoError(t, err)
		assert.False(t, present, name)

		generated[name] = true
		assert.NoError(t, index.Insert(name, testReference(i), false))
	}
}
