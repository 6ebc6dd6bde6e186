package parser

import (
	"fmt"
	"strings"
)

const (
	dos_allowed_punctuation = "!#$%&'()-@^_`{}~"

	dos_base_length      = 8
	dos_extension_length = 3
	dos_generated_base   = 6
	dos_max_counter      = 0xFFFFFF
)

func isDosCharacter(c rune) bool {
	return (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
		strings.ContainsRune(dos_allowed_punctuation, c)
}

// IsValidDosFileName reports whether name can be stored as an 8.3
// name as is: a 1 to 8 character base, an optional extension of up to
// 3 characters, and only upper case DOS characters.
func IsValidDosFileName(name string) bool {
	base, extension, has_dot := strings.Cut(name, ".")
	if has_dot && (extension == "" || strings.Contains(extension, ".")) {
		return false
	}

	if len(base) == 0 || len(base) > dos_base_length ||
		len(extension) > dos_extension_length {
		return false
	}

	for _, c := range base + extension {
		if !isDosCharacter(c) {
			return false
		}
	}
	return true
}

// Maps a name component to DOS characters. Characters outside the
// allowed set become their code point as 4 hex digits.
func dosComponent(component string) string {
	result := strings.Builder{}
	for _, c := range strings.ToUpper(component) {
		switch {
		case c == ' ' || c == '.':
			continue
		case isDosCharacter(c):
			result.WriteRune(c)
		default:
			fmt.Fprintf(&result, "%04X", c)
		}
	}
	return result.String()
}

// Splits a long name into the base and extension an 8.3 name is
// derived from. Leading dots do not start an extension.
func splitDosName(long_name string) (string, string) {
	trimmed := strings.TrimLeft(long_name, ". ")
	idx := strings.LastIndex(trimmed, ".")
	if idx < 0 {
		return trimmed, ""
	}
	return trimmed[:idx], trimmed[idx+1:]
}

// GenerateDosName synthesizes a unique 8.3 name for long_name in the
// directory. Candidates are BASE~N.EXT with N a hex counter; the first
// one not already in the index is returned.
func GenerateDosName(index *DirectoryIndex, long_name string) (string, error) {
	base, extension := splitDosName(long_name)
	base = dosComponent(base)
	extension = dosComponent(extension)

	if base == "" {
		return "", fmt.Errorf("%w: %q has no characters usable in a short name",
			InvalidNameError, long_name)
	}

	if len(base) > dos_generated_base {
		base = base[:dos_generated_base]
	}
	if len(extension) > dos_extension_length {
		extension = extension[:dos_extension_length]
	}

	for counter := 1; counter <= dos_max_counter; counter++ {
		suffix := fmt.Sprintf("~%X", counter)

		prefix := base
		if len(prefix)+len(suffix) > dos_base_length {
			prefix = prefix[:dos_base_length-len(suffix)]
		}

		candidate := prefix + suffix
		if extension != "" {
			candidate += "." + extension
		}

		present, err := index.ContainsFileName(candidate)
		if err != nil {
			return "", err
		}
		if !present {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: %q", NoAvailableShortNameError, long_name)
}
