package fakeapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

const maxAvatarSize = 2 << 20

func (s *Server) routes() {
	s.app.Use(s.countHits)
	s.app.Use(s.injectFaults)

	s.app.Get(CSRFCookiePath, s.csrfCookie)

	api := s.app.Group(APIPrefix, s.verifyCSRF)

	api.Post("/auth/register", s.register)
	api.Post("/auth/login", s.login)
	api.Post("/auth/password/email", s.forgotPassword)
	api.Post("/auth/password/reset", s.resetPassword)
	api.Get("/auth/email/verify/:id/:hash", s.verifyEmail)

	api.Post("/auth/logout", s.requireAuth, s.logout)
	api.Get("/auth/user", s.requireAuth, s.currentUser)
	api.Post("/auth/email/verification-notification", s.requireAuth, s.resendVerification)

	api.Get("/user/profile", s.requireAuth, s.profile)
	api.Put("/user/profile", s.requireAuth, s.updateProfile)
	api.Post("/user/profile", s.requireAuth, s.spoofedProfileUpdate)
	api.Put("/user/password", s.requireAuth, s.updatePassword)
}

func (s *Server) csrfCookie(c *fiber.Ctx) error {
	token, err := generateToken(20)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.csrfTokens[token] = struct{}{}
	s.mu.Unlock()

	c.Cookie(&fiber.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return c.SendStatus(fiber.StatusNoContent)
}

// RegisterPayload is the registration body
type RegisterPayload struct {
	Name                 string `json:"name" form:"name"`
	Email                string `json:"email" form:"email"`
	Password             string `json:"password" form:"password"`
	PasswordConfirmation string `json:"password_confirmation" form:"password_confirmation"`
}

// Validate will validate the payload
func (r RegisterPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.Email, validation.Required, validation.Length(3, 255), is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(8, 0)),
		validation.Field(&r.PasswordConfirmation, validation.Required, validation.By(equals(r.Password))),
	)
}

func (s *Server) register(c *fiber.Ctx) error {
	payload := new(RegisterPayload)
	if err := c.BodyParser(payload); err != nil {
		return badRequest(c)
	}
	if err := payload.Validate(); err != nil {
		return validationFailed(c, err, "name", "email", "password", "password_confirmation")
	}

	if _, err := s.createAccount(payload.Name, payload.Email, payload.Password); err != nil {
		if errors.Is(err, errEmailTaken) {
			return fieldFailed(c, "email", err.Error())
		}
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Registration successful. Please verify your email address.",
	})
}

// LoginPayload is the login body
type LoginPayload struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
	Remember bool   `json:"remember" form:"remember"`
}

// Validate will validate the payload
func (r LoginPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

func (s *Server) login(c *fiber.Ctx) error {
	payload := new(LoginPayload)
	if err := c.BodyParser(payload); err != nil {
		return badRequest(c)
	}
	if err := payload.Validate(); err != nil {
		return validationFailed(c, err, "email", "password")
	}

	s.mu.Lock()
	acc, ok := s.accounts[normalizeEmail(payload.Email)]
	hash := ""
	if ok {
		hash = acc.passwordHash
	}
	s.mu.Unlock()

	if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(payload.Password)) != nil {
		return fieldFailed(c, "email", "These credentials do not match our records.")
	}

	token, err := s.issueToken(acc)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"user":  s.snapshot(acc),
		"token": token,
	})
}

func (s *Server) logout(c *fiber.Ctx) error {
	tokenID, _ := c.Locals(localsTokenID).(string)

	s.mu.Lock()
	s.revoked[tokenID] = struct{}{}
	s.mu.Unlock()

	return c.JSON(fiber.Map{"message": "Logged out successfully."})
}

func (s *Server) currentUser(c *fiber.Ctx) error {
	return c.JSON(s.snapshot(currentAccount(c)))
}

func (s *Server) forgotPassword(c *fiber.Ctx) error {
	payload := struct {
		Email string `json:"email" form:"email"`
	}{}
	if err := c.BodyParser(&payload); err != nil {
		return badRequest(c)
	}
	if err := validation.Validate(payload.Email, validation.Required, is.Email); err != nil {
		return validationFailed(c, validation.Errors{"email": err}, "email")
	}

	token, err := generateToken(16)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if acc, ok := s.accounts[normalizeEmail(payload.Email)]; ok {
		acc.resetToken = token
	}
	s.mu.Unlock()

	return c.JSON(fiber.Map{"message": "We have emailed your password reset link."})
}

// ResetPayload completes a password reset
type ResetPayload struct {
	Token                string `json:"token" form:"token"`
	Email                string `json:"email" form:"email"`
	Password             string `json:"password" form:"password"`
	PasswordConfirmation string `json:"password_confirmation" form:"password_confirmation"`
}

// Validate will validate the payload
func (r ResetPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Token, validation.Required),
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(8, 0)),
		validation.Field(&r.PasswordConfirmation, validation.Required, validation.By(equals(r.Password))),
	)
}

func (s *Server) resetPassword(c *fiber.Ctx) error {
	payload := new(ResetPayload)
	if err := c.BodyParser(payload); err != nil {
		return badRequest(c)
	}
	if err := payload.Validate(); err != nil {
		return validationFailed(c, err, "token", "email", "password", "password_confirmation")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(payload.Password), s.opts.BcryptCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	acc, ok := s.accounts[normalizeEmail(payload.Email)]
	valid := ok && acc.resetToken != "" && acc.resetToken == payload.Token
	if valid {
		acc.passwordHash = string(hash)
		acc.resetToken = ""
	}
	s.mu.Unlock()

	if !valid {
		return fieldFailed(c, "email", "This password reset token is invalid.")
	}
	return c.JSON(fiber.Map{"message": "Your password has been reset."})
}

func (s *Server) verifyEmail(c *fiber.Ctx) error {
	id, hash := c.Params("id"), c.Params("hash")
	now := s.opts.Now()

	s.mu.Lock()
	var found *account
	for _, acc := range s.accounts {
		if acc.ID == id {
			found = acc
			break
		}
	}
	valid := found != nil && emailHash(found.Email) == hash
	if valid && found.EmailVerifiedAt == nil {
		found.EmailVerifiedAt = &now
	}
	s.mu.Unlock()

	if !valid {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"message": "Invalid verification link."})
	}
	return c.JSON(fiber.Map{"message": "Email verified."})
}

func (s *Server) resendVerification(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"message": "Verification link sent."})
}

func (s *Server) profile(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"user": s.snapshot(currentAccount(c))})
}

// ProfilePayload changes profile fields
type ProfilePayload struct {
	Name     string `json:"name" form:"name"`
	Email    string `json:"email" form:"email"`
	Username string `json:"username" form:"username"`
}

// Validate will validate the payload
func (r ProfilePayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Length(0, 255)),
		validation.Field(&r.Email, validation.Length(0, 255), is.Email),
		validation.Field(&r.Username, validation.Length(0, 255)),
	)
}

func (s *Server) spoofedProfileUpdate(c *fiber.Ctx) error {
	if !strings.EqualFold(c.FormValue("_method"), fiber.MethodPut) {
		return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{"message": "The POST method is not supported for this route."})
	}
	return s.updateProfile(c)
}

func (s *Server) updateProfile(c *fiber.Ctx) error {
	payload := new(ProfilePayload)
	if err := c.BodyParser(payload); err != nil {
		return badRequest(c)
	}
	if err := payload.Validate(); err != nil {
		return validationFailed(c, err, "name", "email", "username")
	}

	acc := currentAccount(c)
	avatarURL, err := s.storeAvatar(c, acc)
	if err != nil {
		return fieldFailed(c, "avatar", err.Error())
	}

	s.mu.Lock()
	if payload.Email != "" && normalizeEmail(payload.Email) != normalizeEmail(acc.Email) {
		if _, taken := s.accounts[normalizeEmail(payload.Email)]; taken {
			s.mu.Unlock()
			return fieldFailed(c, "email", errEmailTaken.Error())
		}
		delete(s.accounts, normalizeEmail(acc.Email))
		acc.Email = payload.Email
		acc.EmailVerifiedAt = nil
		s.accounts[normalizeEmail(acc.Email)] = acc
	}
	if payload.Name != "" {
		acc.Name = payload.Name
	}
	if payload.Username != "" {
		acc.Username = payload.Username
	}
	if avatarURL != "" {
		acc.AvatarURL = avatarURL
	}
	user := acc.User
	s.mu.Unlock()

	return c.JSON(fiber.Map{
		"message": "Profile updated successfully.",
		"user":    user,
	})
}

// storeAvatar validates an uploaded avatar and returns its public URL.
func (s *Server) storeAvatar(c *fiber.Ctx, acc *account) (string, error) {
	header, err := c.FormFile("avatar")
	if err != nil {
		return "", nil
	}
	if header.Size > maxAvatarSize {
		return "", errors.New("The avatar field must not be greater than 2048 kilobytes.")
	}

	file, err := header.Open()
	if err != nil {
		return "", err
	}
	defer file.Close()

	head := make([]byte, 512)
	n, _ := io.ReadFull(file, head)
	contentType := http.DetectContentType(head[:n])

	ext, ok := map[string]string{
		"image/jpeg": ".jpg",
		"image/png":  ".png",
		"image/gif":  ".gif",
	}[contentType]
	if !ok {
		return "", errors.New("The avatar field must be a file of type: jpeg, png, jpg, gif.")
	}

	name := acc.ID + ext
	if original := filepath.Ext(header.Filename); strings.EqualFold(original, ext) {
		name = acc.ID + strings.ToLower(original)
	}
	return fmt.Sprintf("%s/storage/avatars/%s", s.Origin(), name), nil
}

// PasswordPayload changes the password
type PasswordPayload struct {
	CurrentPassword      string `json:"current_password" form:"current_password"`
	Password             string `json:"password" form:"password"`
	PasswordConfirmation string `json:"password_confirmation" form:"password_confirmation"`
}

// Validate will validate the payload
func (r PasswordPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CurrentPassword, validation.Required),
		validation.Field(&r.Password, validation.Required, validation.Length(8, 0)),
		validation.Field(&r.PasswordConfirmation, validation.Required, validation.By(equals(r.Password))),
	)
}

func (s *Server) updatePassword(c *fiber.Ctx) error {
	payload := new(PasswordPayload)
	if err := c.BodyParser(payload); err != nil {
		return badRequest(c)
	}
	if err := payload.Validate(); err != nil {
		return validationFailed(c, err, "current_password", "password", "password_confirmation")
	}

	acc := currentAccount(c)
	s.mu.Lock()
	current := acc.passwordHash
	s.mu.Unlock()

	if bcrypt.CompareHashAndPassword([]byte(current), []byte(payload.CurrentPassword)) != nil {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"message": "The provided password does not match your current password.",
		})
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(payload.Password), s.opts.BcryptCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	acc.passwordHash = string(hash)
	s.mu.Unlock()

	return c.JSON(fiber.Map{"message": "Password updated successfully."})
}

func (s *Server) snapshot(acc *account) User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return acc.User
}

func equals(str string) validation.RuleFunc {
	return func(value any) error {
		v, _ := value.(string)
		if v != str {
			return errors.New("does not match")
		}
		return nil
	}
}

func badRequest(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "Malformed request body."})
}

// validationFailed answers 422 with the field errors in order, the way the
// real API lists them.
func validationFailed(c *fiber.Ctx, err error, order ...string) error {
	var errs validation.Errors
	if !errors.As(err, &errs) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"message": err.Error()})
	}

	fields := orderedErrors{}
	for _, field := range order {
		if fieldErr, ok := errs[field]; ok && fieldErr != nil {
			fields = append(fields, fieldError{
				field:   field,
				message: fmt.Sprintf("The %s field %s.", strings.ReplaceAll(field, "_", " "), fieldErr.Error()),
			})
		}
	}
	return writeFieldErrors(c, fields)
}

func fieldFailed(c *fiber.Ctx, field, message string) error {
	return writeFieldErrors(c, orderedErrors{{field: field, message: message}})
}

func writeFieldErrors(c *fiber.Ctx, fields orderedErrors) error {
	message := "The given data was invalid."
	if len(fields) > 0 {
		message = fields[0].message
		if len(fields) > 1 {
			message = fmt.Sprintf("%s (and %d more errors)", message, len(fields)-1)
		}
	}
	return c.Status(fiber.StatusUnprocessableEntity).JSON(validationBody{
		Message: message,
		Errors:  fields,
	})
}

type validationBody struct {
	Message string        `json:"message"`
	Errors  orderedErrors `json:"errors"`
}

type fieldError struct {
	field   string
	message string
}

// orderedErrors encodes as a JSON object keeping insertion order.
type orderedErrors []fieldError

func (o orderedErrors) MarshalJSON() ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	for i, fe := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(fe.field)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal([]string{fe.message})
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
