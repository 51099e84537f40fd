package filter

import "testing"

var (
	benchHeader = []byte("From: MAILER-DAEMON@mx.example.com\nTo: bounces@example.org\nSubject: Undelivered Mail Returned to Sender\nAuto-Submitted: auto-replied\n")
	benchBody   = []byte("This is the mail system at host mx.example.com.\n\n<john@example.com>: host mx.example.com said: 550 5.1.1 user unknown\n")
)

func benchmarkCheck(b *testing.B, opts Options) {
	f, err := New(opts)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for b.Loop() {
		f.Check(benchHeader, benchBody)
	}
}

func BenchmarkFilter_Check_NoFilters(b *testing.B) {
	benchmarkCheck(b, Options{})
}

func BenchmarkFilter_Check_ExcludeHeader(b *testing.B) {
	benchmarkCheck(b, Options{ExcludeHeader: []string{`(?i)x-spam-flag:\s*yes`, `Precedence: bulk`}})
}

func BenchmarkFilter_Check_IncludeBody(b *testing.B) {
	benchmarkCheck(b, Options{IncludeBody: []string{`\b5\d\d\b`, `(?i)user unknown`}})
}
