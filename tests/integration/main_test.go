package integration

import (
	"os"
	"testing"
)

func TestMain(m *testing.M) {
	code := m.Run()
	terminatePostgres()
	os.Exit(code)
}
