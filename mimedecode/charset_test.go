package mimedecode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeCharset(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"utf-8", "utf-8"},
		{`"UTF-8"`, "utf-8"},
		{`3D"iso-8859-1"`, "iso-8859-1"},
		{"=3Dutf-8", "utf-8"},
		{"  'Windows-1252';", "windows-1252"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeCharset(tt.in))
		})
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		label       string
		passthrough bool
		resolved    bool
	}{
		{"", true, true},
		{"us-ascii", true, true},
		{"ascii", true, true},
		{"latin1", false, true},
		{"cp1252", false, true},
		{"shift_jis", false, true},
		{"windows1251", false, true},
		{"ISO_8859_2", false, true},
		{"gb2312", false, true},
		{"x-no-such-charset", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			cs := Resolve(tt.label)
			assert.Equal(t, tt.passthrough, cs.Passthrough)
			assert.Equal(t, tt.resolved, cs.Resolved())
		})
	}
}

func TestToUTF8(t *testing.T) {
	got, ok := ToUTF8([]byte("Gr\xfc\xdfe"), "latin-1")
	assert.True(t, ok)
	assert.Equal(t, "Grüße", got)

	got, ok = ToUTF8([]byte("raw \xff"), "x-bogus")
	assert.False(t, ok)
	assert.Equal(t, "raw \xff", got)
}
