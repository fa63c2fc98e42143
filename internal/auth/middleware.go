// Package auth identifies calling wallets by EIP-191 signature. Identity is
// optional on the trade path: an identified caller has its wallet bound to
// the payment challenge as the expected payer, an anonymous caller gets a
// challenge any wallet may pay.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// WalletKey is the gin context key holding the identified wallet address.
const WalletKey = "wallet_address"

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
type SignedRequest struct {
	Action    string          `json:"action"`
	ExpiresAt int64           `json:"expires_at"`
	Nonce     string          `json:"nonce"`
	Payload   json.RawMessage `json:"payload"`
}

const maxFutureWindow = 5 * time.Minute

// WalletIdentity returns a handler that validates EIP-191 wallet headers
// when present. Requests without the headers proceed anonymously; requests
// with bad headers are rejected outright.
func WalletIdentity(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		walletAddr := c.GetHeader("X-Wallet-Address")
		signedMsgB64 := c.GetHeader("X-Signed-Message")
		sigHex := c.GetHeader("X-Wallet-Signature")

		if walletAddr == "" && signedMsgB64 == "" && sigHex == "" {
			c.Next()
			return
		}
		if walletAddr == "" || signedMsgB64 == "" || sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "incomplete wallet auth headers"})
			return
		}

		msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Signed-Message encoding"})
			return
		}

		var req SignedRequest
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signed message JSON"})
			return
		}

		now := time.Now().Unix()
		if req.ExpiresAt <= now {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		}
		if req.ExpiresAt > now+int64(maxFutureWindow.Seconds()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expires_at too far in future"})
			return
		}

		sigHex = strings.TrimPrefix(sigHex, "0x")
		sig, err := hex.DecodeString(sigHex)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature hex"})
			return
		}

		recovered, err := Recover(msgBytes, sig)
		if err != nil || !strings.EqualFold(recovered.Hex(), walletAddr) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		// Nonce dedup via Redis SET NX; a nil client skips replay
		// protection (memory-vault deployments).
		if rdb != nil {
			nonceKey := "auth:nonce:" + req.Nonce
			ttl := time.Duration(req.ExpiresAt-now) * time.Second
			set, err := rdb.SetNX(context.Background(), nonceKey, 1, ttl).Result()
			if err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			if !set {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce already used"})
				return
			}
		}

		c.Set(WalletKey, recovered.Hex())
		c.Next()
	}
}
