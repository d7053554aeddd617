package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

const (
	PathLogin              = "/auth/login"
	PathRegister           = "/auth/register"
	PathLogout             = "/auth/logout"
	PathCurrentUser        = "/auth/user"
	PathForgotPassword     = "/auth/password/email"
	PathResetPassword      = "/auth/password/reset"
	PathVerifyEmail        = "/auth/email/verify"
	PathResendVerification = "/auth/email/verification-notification"
	PathProfile            = "/user/profile"
	PathPassword           = "/user/password"
)

// LoginPayload is the login request body
type LoginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

// Validate will validate the payload
func (r LoginPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required),
		validation.Field(&r.Password, validation.Required),
	)
}

// LoginResult is what a successful login returns
type LoginResult struct {
	User  *User
	Token string
}

// RegisterInput is the registration form
type RegisterInput struct {
	Name                 string `json:"name"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

// Validate will validate the payload
func (r RegisterInput) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.Email, validation.Required, validation.Length(3, 255), is.Email),
		validation.Field(&r.Password, validation.Required),
		validation.Field(
			&r.PasswordConfirmation,
			validation.Required,
			validation.By(ValidateStringEquals(r.Password)),
		),
	)
}

// ResetPasswordInput completes a password reset started by email
type ResetPasswordInput struct {
	Token                string `json:"token"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

// Validate will validate the payload
func (r ResetPasswordInput) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Token, validation.Required),
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
		validation.Field(
			&r.PasswordConfirmation,
			validation.Required,
			validation.By(ValidateStringEquals(r.Password)),
		),
	)
}

// VerifyEmailInput carries the parts of a signed verification link
type VerifyEmailInput struct {
	ID        string `json:"id"`
	Hash      string `json:"hash"`
	Expires   string `json:"expires"`
	Signature string `json:"signature"`
}

// Validate will validate the payload
func (r VerifyEmailInput) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ID, validation.Required),
		validation.Field(&r.Hash, validation.Required),
	)
}

// ParseVerificationLink extracts the verification parts from a link of the
// form .../email/verify/{id}/{hash}?expires=..&signature=..
func ParseVerificationLink(link string) (VerifyEmailInput, error) {
	u, err := url.Parse(link)
	if err != nil {
		return VerifyEmailInput{}, err
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 {
		return VerifyEmailInput{}, fmt.Errorf("verification link %q has no id and hash", link)
	}

	in := VerifyEmailInput{
		ID:        segments[len(segments)-2],
		Hash:      segments[len(segments)-1],
		Expires:   u.Query().Get("expires"),
		Signature: u.Query().Get("signature"),
	}
	return in, in.Validate()
}

// ValidateStringEquals checks that the value matches str
func ValidateStringEquals(str string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s != str {
			return errors.New("values must match")
		}
		return nil
	}
}

// API issues the typed auth and profile calls through a Pipeline.
type API struct {
	pipeline *Pipeline
}

// NewAPI returns the endpoint client bound to pipeline.
func NewAPI(pipeline *Pipeline) *API {
	return &API{pipeline: pipeline}
}

// Pipeline returns the pipeline the API sends through.
func (a *API) Pipeline() *Pipeline {
	return a.pipeline
}

// Login exchanges email and password for a user and a token.
func (a *API) Login(ctx context.Context, payload LoginPayload) (*LoginResult, error) {
	if err := payload.Validate(); err != nil {
		return nil, validationFailure(err, "email", "password")
	}

	resp, err := a.pipeline.Do(ctx, &Request{
		Method:    http.MethodPost,
		Path:      PathLogin,
		Body:      payload,
		Operation: OperationLogin,
	})
	if err != nil {
		return nil, err
	}

	var body struct {
		User  json.RawMessage `json:"user"`
		Token string          `json:"token"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, malformedResponse(err)
	}
	if body.Token == "" {
		return nil, malformedResponse(errors.New("login response has no token"))
	}

	result := &LoginResult{Token: body.Token}
	if len(body.User) > 0 {
		user, err := decodeUser(body.User)
		if err != nil {
			return nil, malformedResponse(err)
		}
		result.User = user
	}
	return result, nil
}

// Register creates an account. The new account is not signed in.
func (a *API) Register(ctx context.Context, in RegisterInput) error {
	if in.PasswordConfirmation == "" {
		in.PasswordConfirmation = in.Password
	}
	if err := in.Validate(); err != nil {
		return validationFailure(err, "name", "email", "password", "password_confirmation")
	}

	_, err := a.pipeline.Do(ctx, &Request{
		Method:    http.MethodPost,
		Path:      PathRegister,
		Body:      in,
		Operation: OperationRegister,
	})
	return err
}

// Logout revokes the token on the server.
func (a *API) Logout(ctx context.Context) error {
	_, err := a.pipeline.Do(ctx, &Request{Method: http.MethodPost, Path: PathLogout})
	return err
}

// CurrentUser fetches the user the credential belongs to.
func (a *API) CurrentUser(ctx context.Context) (*User, error) {
	return a.getUser(ctx, PathCurrentUser)
}

// ForgotPassword asks the server to email a reset link.
func (a *API) ForgotPassword(ctx context.Context, email string) error {
	payload := struct {
		Email string `json:"email"`
	}{Email: email}

	if err := validation.Validate(email, validation.Required, is.Email); err != nil {
		return validationFailure(validation.Errors{"email": err}, "email")
	}

	_, err := a.pipeline.Post(ctx, PathForgotPassword, payload)
	return err
}

// ResetPassword sets a new password using the emailed token.
func (a *API) ResetPassword(ctx context.Context, in ResetPasswordInput) error {
	if in.PasswordConfirmation == "" {
		in.PasswordConfirmation = in.Password
	}
	if err := in.Validate(); err != nil {
		return validationFailure(err, "token", "email", "password", "password_confirmation")
	}

	_, err := a.pipeline.Post(ctx, PathResetPassword, in)
	return err
}

// VerifyEmail follows a signed verification link.
func (a *API) VerifyEmail(ctx context.Context, in VerifyEmailInput) error {
	if err := in.Validate(); err != nil {
		return validationFailure(err, "id", "hash")
	}

	query := url.Values{}
	if in.Expires != "" {
		query.Set("expires", in.Expires)
	}
	if in.Signature != "" {
		query.Set("signature", in.Signature)
	}

	path := fmt.Sprintf("%s/%s/%s", PathVerifyEmail, url.PathEscape(in.ID), url.PathEscape(in.Hash))
	_, err := a.pipeline.Get(ctx, path, query)
	return err
}

// ResendVerification asks for a new verification email.
func (a *API) ResendVerification(ctx context.Context) error {
	_, err := a.pipeline.Post(ctx, PathResendVerification, nil)
	return err
}

func (a *API) getUser(ctx context.Context, path string) (*User, error) {
	resp, err := a.pipeline.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	user, err := decodeUser(resp.Body)
	if err != nil {
		return nil, malformedResponse(err)
	}
	return user, nil
}

// decodeUser accepts a bare user object or one wrapped in "user" or "data".
func decodeUser(raw []byte) (*User, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}

	for _, key := range []string{"user", "data"} {
		inner, ok := envelope[key]
		if !ok || len(inner) == 0 || inner[0] != '{' {
			continue
		}
		if _, bare := envelope["email"]; bare {
			break
		}
		raw = inner
		break
	}

	var wire struct {
		User
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}

	user := wire.User
	user.ID = normalizeID(wire.ID)
	if user.ID == "" && user.Email == "" {
		return nil, errors.New("decode user: missing id and email")
	}
	return &user, nil
}

// normalizeID accepts numeric and string ids.
func normalizeID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// validationFailure turns a payload validation error into a Validation
// RequestError naming the first failing field in order.
func validationFailure(err error, order ...string) error {
	var errs validation.Errors
	if errors.As(err, &errs) {
		for _, field := range order {
			if fieldErr, ok := errs[field]; ok && fieldErr != nil {
				return &RequestError{
					Kind:    KindValidation,
					Field:   field,
					Message: fmt.Sprintf("The %s field %s.", strings.ReplaceAll(field, "_", " "), fieldErr.Error()),
					Err:     err,
				}
			}
		}
	}
	return &RequestError{Kind: KindValidation, Message: err.Error(), Err: err}
}

func malformedResponse(err error) error {
	return &RequestError{Kind: KindServer, Message: DefaultErrorMessage, Err: err}
}
