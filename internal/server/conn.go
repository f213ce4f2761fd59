package server

import (
	"bytes"
	"context"
	"io"
	"net"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/google/uuid"

	"github.com/veld-ldap/veld/internal/ldap"
	"github.com/veld-ldap/veld/internal/logger"
	"github.com/veld-ldap/veld/internal/ratelimiter"
	"github.com/veld-ldap/veld/pkg/auth"
	"github.com/veld-ldap/veld/pkg/directory"
)

// conn serves one client connection. Connections are single-threaded:
// operations on a connection execute in arrival order, which LDAP
// permits and which keeps bind state handling trivial.
type conn struct {
	server  *Server
	netConn net.Conn
	id      string
	limiter *ratelimiter.RateLimiter

	// boundDN is the DN of the authenticated identity, empty for
	// anonymous.
	boundDN string
}

func (s *Server) newConn(tcpConn net.Conn) *conn {
	return &conn{
		server:  s,
		netConn: tcpConn,
		id:      uuid.New().String()[:8],
		limiter: ratelimiter.New(s.config.RequestsPerSecond, s.config.RequestBurst),
	}
}

func (c *conn) serve() {
	defer c.netConn.Close()
	logger.Debug("[%s] connection from %s", c.id, c.netConn.RemoteAddr())

	for {
		select {
		case <-c.server.shutdown:
			return
		default:
		}

		msg, err := ldap.ReadMessage(c.netConn)
		if err != nil {
			if err != io.EOF {
				logger.Debug("[%s] read: %v", c.id, err)
			}
			return
		}

		if !c.limiter.Allow() {
			logger.Warn("[%s] rate limit exceeded, closing connection", c.id)
			c.sendResult(msg, responseTagFor(msg.Tag()), ldap.ResultBusy, "", "rate limit exceeded")
			return
		}

		if !c.handle(msg) {
			return
		}
	}
}

// handle dispatches one message. Returns false when the connection
// should close.
func (c *conn) handle(msg *ldap.Message) bool {
	switch msg.Tag() {
	case ldap.TagBindRequest:
		c.handleBind(msg)
	case ldap.TagUnbindRequest:
		logger.Debug("[%s] unbind", c.id)
		return false
	case ldap.TagSearchRequest:
		c.handleSearch(msg)
	case ldap.TagAddRequest:
		c.handleAdd(msg)
	case ldap.TagModifyRequest:
		c.handleModify(msg)
	case ldap.TagDelRequest:
		c.handleDelete(msg)
	default:
		logger.Warn("[%s] unsupported operation tag %d", c.id, msg.Tag())
		c.sendResult(msg, ldap.TagSearchResultDone, ldap.ResultProtocolError, "", "unsupported operation")
	}
	return true
}

func (c *conn) handleBind(msg *ldap.Message) {
	req, err := ldap.DecodeBind(msg.Op)
	if err != nil {
		logger.Debug("[%s] bind decode: %v", c.id, err)
		c.sendResult(msg, ldap.TagBindResponse, ldap.ResultProtocolError, "", err.Error())
		return
	}

	// Anonymous bind.
	if req.DN == "" && req.Password == "" {
		c.boundDN = ""
		logger.Debug("[%s] anonymous bind", c.id)
		c.sendResult(msg, ldap.TagBindResponse, ldap.ResultSuccess, "", "")
		return
	}

	entry, err := c.server.store.Find(context.Background(), req.DN)
	if err != nil {
		logger.Info("[%s] bind failed for %s: no such entry", c.id, req.DN)
		c.sendResult(msg, ldap.TagBindResponse, ldap.ResultInvalidCredentials, "", "invalid credentials")
		return
	}

	for _, stored := range entry.GetAttribute(directory.AttrUserPassword) {
		if auth.VerifyPassword(req.Password, stored) {
			c.boundDN = directory.NormalizeDN(req.DN)
			logger.Info("[%s] bind succeeded for %s", c.id, req.DN)
			c.sendResult(msg, ldap.TagBindResponse, ldap.ResultSuccess, "", "")
			return
		}
	}

	logger.Info("[%s] bind failed for %s: wrong password", c.id, req.DN)
	c.sendResult(msg, ldap.TagBindResponse, ldap.ResultInvalidCredentials, "", "invalid credentials")
}

func (c *conn) handleSearch(msg *ldap.Message) {
	req, err := ldap.DecodeSearch(msg.Op)
	if err != nil {
		logger.Debug("[%s] search decode: %v", c.id, err)
		c.sendResult(msg, ldap.TagSearchResultDone, ldap.ResultProtocolError, "", err.Error())
		return
	}

	var scope directory.Scope
	switch req.Scope {
	case ldap.ScopeBaseObject:
		scope = directory.ScopeBase
	case ldap.ScopeSingleLevel:
		scope = directory.ScopeOne
	case ldap.ScopeWholeSubtree:
		scope = directory.ScopeSub
	default:
		c.sendResult(msg, ldap.TagSearchResultDone, ldap.ResultProtocolError, "", "unknown scope")
		return
	}

	logger.Debug("[%s] search base=%q scope=%d filter=%s", c.id, req.BaseDN, req.Scope, req.Filter)

	entries, err := c.server.store.Search(context.Background(), req.BaseDN, scope)
	if err != nil {
		c.sendStoreError(msg, ldap.TagSearchResultDone, err)
		return
	}

	sent := int64(0)
	truncated := false
	for _, entry := range entries {
		if !req.Filter.Matches(entry) {
			continue
		}
		if req.SizeLimit > 0 && sent >= req.SizeLimit {
			truncated = true
			break
		}
		c.send(ldap.EncodeSearchEntry(msg.ID, entry, req.Attributes, req.TypesOnly))
		sent++
	}
	if truncated {
		c.sendResult(msg, ldap.TagSearchResultDone, ldap.ResultSizeLimitExceeded, "", "size limit exceeded")
		return
	}
	c.sendResult(msg, ldap.TagSearchResultDone, ldap.ResultSuccess, "", "")
}

func (c *conn) handleAdd(msg *ldap.Message) {
	req, err := ldap.DecodeAdd(msg.Op)
	if err != nil {
		logger.Debug("[%s] add decode: %v", c.id, err)
		c.sendResult(msg, ldap.TagAddResponse, ldap.ResultProtocolError, "", err.Error())
		return
	}

	entry := directory.NewEntry(req.DN)
	entry.Attributes = req.Attributes
	if err := c.server.store.Add(context.Background(), entry, c.server.config.WriteTarget); err != nil {
		logger.Info("[%s] add %s failed: %v", c.id, req.DN, err)
		c.sendStoreError(msg, ldap.TagAddResponse, err)
		return
	}
	logger.Info("[%s] %s added %s", c.id, c.who(), req.DN)
	c.sendResult(msg, ldap.TagAddResponse, ldap.ResultSuccess, "", "")
}

func (c *conn) handleModify(msg *ldap.Message) {
	req, err := ldap.DecodeModify(msg.Op)
	if err != nil {
		logger.Debug("[%s] modify decode: %v", c.id, err)
		c.sendResult(msg, ldap.TagModifyResponse, ldap.ResultProtocolError, "", err.Error())
		return
	}

	// The store replaces attributes wholesale, so the change list is
	// applied to the current attributes first.
	entry, err := c.server.store.Find(context.Background(), req.DN)
	if err != nil {
		c.sendStoreError(msg, ldap.TagModifyResponse, err)
		return
	}

	for _, change := range req.Changes {
		switch change.Op {
		case ldap.ChangeAdd:
			existing := entry.GetAttribute(change.Name)
			entry.SetAttribute(change.Name, append(existing, change.Values...)...)
		case ldap.ChangeDelete:
			if len(change.Values) == 0 {
				entry.DeleteAttribute(change.Name)
				break
			}
			remaining := entry.GetAttribute(change.Name)
			for _, drop := range change.Values {
				remaining = removeValue(remaining, drop)
			}
			if len(remaining) == 0 {
				entry.DeleteAttribute(change.Name)
			} else {
				entry.SetAttribute(change.Name, remaining...)
			}
		case ldap.ChangeReplace:
			if len(change.Values) == 0 {
				entry.DeleteAttribute(change.Name)
			} else {
				entry.SetAttribute(change.Name, change.Values...)
			}
		default:
			c.sendResult(msg, ldap.TagModifyResponse, ldap.ResultProtocolError, "", "unknown change operation")
			return
		}
	}

	if err := c.server.store.Modify(context.Background(), req.DN, entry.Attributes); err != nil {
		logger.Info("[%s] modify %s failed: %v", c.id, req.DN, err)
		c.sendStoreError(msg, ldap.TagModifyResponse, err)
		return
	}
	logger.Info("[%s] %s modified %s", c.id, c.who(), req.DN)
	c.sendResult(msg, ldap.TagModifyResponse, ldap.ResultSuccess, "", "")
}

func (c *conn) handleDelete(msg *ldap.Message) {
	dn, err := ldap.DecodeDel(msg.Op)
	if err != nil {
		logger.Debug("[%s] delete decode: %v", c.id, err)
		c.sendResult(msg, ldap.TagDelResponse, ldap.ResultProtocolError, "", err.Error())
		return
	}

	if err := c.server.store.Delete(context.Background(), dn); err != nil {
		logger.Info("[%s] delete %s failed: %v", c.id, dn, err)
		c.sendStoreError(msg, ldap.TagDelResponse, err)
		return
	}
	logger.Info("[%s] %s deleted %s", c.id, c.who(), dn)
	c.sendResult(msg, ldap.TagDelResponse, ldap.ResultSuccess, "", "")
}

// who names the connection's bound identity for logs.
func (c *conn) who() string {
	if c.boundDN == "" {
		return "anonymous"
	}
	return c.boundDN
}

func (c *conn) sendStoreError(msg *ldap.Message, tag ber.Tag, err error) {
	c.sendResult(msg, tag, ldap.ResultCodeForError(err), "", err.Error())
}

func (c *conn) sendResult(msg *ldap.Message, tag ber.Tag, code ldap.ResultCode, matchedDN, diagnostic string) {
	c.send(ldap.EncodeResult(msg.ID, tag, code, matchedDN, diagnostic))
}

func (c *conn) send(p *ber.Packet) {
	if _, err := io.Copy(c.netConn, bytes.NewReader(p.Bytes())); err != nil {
		logger.Debug("[%s] write: %v", c.id, err)
	}
}

// responseTagFor maps a request tag to its response tag, defaulting to
// SearchResultDone for tags without a dedicated response.
func responseTagFor(requestTag ber.Tag) ber.Tag {
	switch requestTag {
	case ldap.TagBindRequest:
		return ldap.TagBindResponse
	case ldap.TagSearchRequest:
		return ldap.TagSearchResultDone
	case ldap.TagModifyRequest:
		return ldap.TagModifyResponse
	case ldap.TagAddRequest:
		return ldap.TagAddResponse
	case ldap.TagDelRequest:
		return ldap.TagDelResponse
	default:
		return ldap.TagSearchResultDone
	}
}

func removeValue(values []string, drop string) []string {
	out := values[:0]
	for _, v := range values {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}
