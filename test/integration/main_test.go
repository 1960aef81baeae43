package integration

import (
	"github.com/lexlapax/engram/test/testutil"
)

func init() {
	testutil.LoadEnv()
}
