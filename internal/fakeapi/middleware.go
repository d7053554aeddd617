package fakeapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"slices"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const localsAccount = "fakeapi_account"
const localsTokenID = "fakeapi_token_id"

var safeMethods = []string{fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions}

// countHits records every request, served or not.
func (s *Server) countHits(c *fiber.Ctx) error {
	s.mu.Lock()
	s.hits[routeKey(c.Method(), c.Path())]++
	s.mu.Unlock()
	return c.Next()
}

// injectFaults serves a queued fault instead of the route.
func (s *Server) injectFaults(c *fiber.Ctx) error {
	key := routeKey(c.Method(), c.Path())

	s.mu.Lock()
	queue := s.faults[key]
	if len(queue) == 0 {
		s.mu.Unlock()
		return c.Next()
	}
	fault := queue[0]
	s.faults[key] = queue[1:]
	s.mu.Unlock()

	for k, v := range fault.Header {
		c.Set(k, v)
	}
	c.Status(fault.Status)
	switch body := fault.Body.(type) {
	case nil:
		return nil
	case string:
		return c.SendString(body)
	default:
		return c.JSON(body)
	}
}

// verifyCSRF rejects unsafe requests whose header does not echo an issued
// anti-forgery token, with the 419 status the client expects.
func (s *Server) verifyCSRF(c *fiber.Ctx) error {
	if s.opts.DisableCSRF || slices.Contains(safeMethods, c.Method()) {
		return c.Next()
	}

	received := c.Get(CSRFHeaderName)
	cookie := c.Cookies(CSRFCookieName)
	if received == "" || subtle.ConstantTimeCompare([]byte(received), []byte(cookie)) != 1 {
		return csrfMismatch(c)
	}

	s.mu.Lock()
	_, known := s.csrfTokens[received]
	s.mu.Unlock()
	if !known {
		return csrfMismatch(c)
	}
	return c.Next()
}

func csrfMismatch(c *fiber.Ctx) error {
	return c.Status(419).JSON(fiber.Map{"message": "CSRF token mismatch."})
}

// requireAuth resolves the bearer token or answers 401.
func (s *Server) requireAuth(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return unauthenticated(c)
	}

	acc, tokenID, ok := s.authenticate(raw)
	if !ok {
		return unauthenticated(c)
	}

	c.Locals(localsAccount, acc)
	c.Locals(localsTokenID, tokenID)
	return c.Next()
}

func unauthenticated(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "Unauthenticated."})
}

func currentAccount(c *fiber.Ctx) *account {
	acc, _ := c.Locals(localsAccount).(*account)
	return acc
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
