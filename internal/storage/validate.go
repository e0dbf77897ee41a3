package storage

import (
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// MaxFileNameLength is the longest accepted file name, in bytes.
const MaxFileNameLength = 255

// Names Windows reserves for devices, with or without an extension.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// Characters that are never valid in a stored name.
const forbiddenChars = `/\<>:"|?*`

var dangerousExtensions = map[string]bool{
	".exe": true, ".dll": true, ".com": true, ".scr": true, ".pif": true,
	".msi": true, ".msp": true, ".msc": true, ".cpl": true, ".sys": true,
	".bat": true, ".cmd": true, ".ps1": true, ".psm1": true, ".vbs": true,
	".vbe": true, ".js": true, ".jse": true, ".wsf": true, ".wsh": true,
	".hta": true, ".reg": true, ".lnk": true, ".sh": true, ".bash": true,
	".csh": true, ".ksh": true, ".jar": true, ".apk": true, ".app": true,
	".deb": true, ".rpm": true, ".dmg": true, ".pkg": true, ".run": true,
}

var dangerousMimeTypes = map[string]bool{
	"application/x-msdownload":                      true,
	"application/x-msdos-program":                   true,
	"application/x-dosexec":                         true,
	"application/x-executable":                      true,
	"application/x-elf":                             true,
	"application/vnd.microsoft.portable-executable": true,
	"application/x-msi":                             true,
	"application/x-ms-installer":                    true,
	"application/x-bat":                             true,
	"application/x-sh":                              true,
	"application/x-csh":                             true,
	"application/x-shellscript":                     true,
	"text/x-shellscript":                            true,
	"application/x-powershell":                      true,
	"application/hta":                               true,
	"application/java-archive":                      true,
	"application/x-java-archive":                    true,
	"application/vnd.android.package-archive":       true,
	"application/x-apple-diskimage":                 true,
	"application/x-debian-package":                  true,
	"application/x-rpm":                             true,
	"application/javascript":                        true,
	"text/javascript":                               true,
	"application/x-javascript":                      true,
	"application/x-vbscript":                        true,
	"text/vbscript":                                 true,
}

// ValidateFileName rejects names with control or path characters, reserved
// device names, and names longer than MaxFileNameLength. Names are never
// modified; use SanitizeFileName to coerce instead.
func ValidateFileName(name string) error {
	reject := func(reason string) error {
		return &ValidationError{Field: "name", Reason: reason, Err: ErrInvalidFileName}
	}

	switch {
	case strings.TrimSpace(name) == "":
		return reject("name is empty")
	case len(name) > MaxFileNameLength:
		return reject("name is too long")
	case !utf8.ValidString(name):
		return reject("name is not valid UTF-8")
	case name == "." || name == "..":
		return reject("name is a relative path element")
	}

	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return reject("name contains control characters")
		}
		if strings.ContainsRune(forbiddenChars, r) {
			return reject("name contains forbidden character " + string(r))
		}
	}

	if reservedNames[deviceStem(name)] {
		return reject("name is a reserved device name")
	}
	if strings.HasSuffix(name, ".") || strings.HasSuffix(name, " ") {
		return reject("name ends with a dot or space")
	}
	return nil
}

// SanitizeFileName coerces name into one ValidateFileName accepts.
func SanitizeFileName(name string) string {
	name = strings.ToValidUTF8(name, "_")

	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(forbiddenChars, r) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	name = strings.TrimRight(strings.TrimSpace(b.String()), ". ")

	if name == "" {
		return "unnamed"
	}
	if reservedNames[deviceStem(name)] {
		name = "_" + name
	}
	if len(name) > MaxFileNameLength {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		stem := truncateUTF8(strings.TrimSuffix(name, ext), MaxFileNameLength-len(ext))
		name = strings.TrimRight(stem, ". ") + ext
	}
	return name
}

// CheckContentType rejects executable and script content by declared MIME
// type or by file extension. Either match is enough.
func CheckContentType(fileName, mimeType string) error {
	if ext := strings.ToLower(filepath.Ext(fileName)); dangerousExtensions[ext] {
		return &ValidationError{Field: "type", Reason: "extension " + ext + " is not allowed", Err: ErrDangerousType}
	}
	if mt := normalizeMimeType(mimeType); dangerousMimeTypes[mt] {
		return &ValidationError{Field: "type", Reason: "content type " + mt + " is not allowed", Err: ErrDangerousType}
	}
	return nil
}

func normalizeMimeType(v string) string {
	if mt, _, err := mime.ParseMediaType(v); err == nil {
		return mt
	}
	mt, _, _ := strings.Cut(v, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// deviceStem returns the upper-cased part of name before its first dot,
// which is what Windows compares against device names.
func deviceStem(name string) string {
	stem, _, _ := strings.Cut(name, ".")
	return strings.ToUpper(strings.TrimSpace(stem))
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
