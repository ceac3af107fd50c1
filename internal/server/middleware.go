package server

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/wisdar/engine/pkg/tenantctx"
	"go.uber.org/zap"
)

// HeaderAccount stands in for the session layer: the caller is whoever the
// header says. A real deployment terminates authentication in front of this
// service and injects the resolved account id here.
const HeaderAccount = "X-Account-ID"

const contextAccountIDKey = "account_id"

// AccountRequired resolves the calling account from the request header and
// threads it through the request context for the layers below.
func (s *Server) AccountRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderAccount))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(contextAccountIDKey, snowflake.ID(id))
		c.Request = c.Request.WithContext(
			tenantctx.WithAccountID(c.Request.Context(), snowflake.ID(id)))
		c.Next()
	}
}

func accountID(c *gin.Context) snowflake.ID {
	v, ok := c.Get(contextAccountIDKey)
	if !ok {
		return 0
	}
	id, _ := v.(snowflake.ID)
	return id
}

// MessageRateLimit admits one message submission per token from the
// account's bucket. Without redis the limiter is nil and admits everything.
func (s *Server) MessageRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		key := fmt.Sprintf("msgrate:%s", accountID(c))
		res, err := s.limiter.Allow(c.Request.Context(), key,
			s.cfg.RateLimit.MessageRate, s.cfg.RateLimit.MessageBurst)
		if err != nil {
			s.log.Warn("rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !res.Allowed {
			if s.httpMetrics != nil {
				s.httpMetrics.RecordRateLimited(c.FullPath())
			}
			retry := int(res.RetryAfter.Seconds())
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
