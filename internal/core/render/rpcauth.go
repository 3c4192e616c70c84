package render

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// rpcAuthSalt is fixed on purpose: the rendered bitcoin config must be
// deterministic or every run would look like drift.
const rpcAuthSalt = "a05b6fb53780e0b460cdd7387287f426"

// RPCAuthLine computes the bitcoind rpcauth config line for a
// username/password pair, in the same form `share/rpcauth/rpcauth.py`
// produces: rpcauth=<user>:<salt>$<hmac-sha256(salt, password)>.
func RPCAuthLine(username, password string) string {
	mac := hmac.New(sha256.New, []byte(rpcAuthSalt))
	mac.Write([]byte(password))
	return fmt.Sprintf("rpcauth=%s:%s$%s", username, rpcAuthSalt, hex.EncodeToString(mac.Sum(nil)))
}
