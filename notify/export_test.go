package notify

import "testing"

func setAfterDelete(t *testing.T, fn func() error) {
	t.Helper()
	afterDelete = fn
	t.Cleanup(func() { afterDelete = nil })
}
