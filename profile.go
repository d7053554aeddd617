package authclient

import (
	"context"
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

// MaxAvatarSize mirrors the server's 2MB avatar limit.
const MaxAvatarSize = 2 << 20

// Avatar is an image uploaded with a profile update
type Avatar struct {
	Filename    string
	ContentType string
	Content     []byte
}

// ProfileUpdate holds the profile fields to change. Empty fields are left
// as they are.
type ProfileUpdate struct {
	Name     string  `json:"name,omitempty"`
	Email    string  `json:"email,omitempty"`
	Username string  `json:"username,omitempty"`
	Avatar   *Avatar `json:"-"`
}

// Validate will validate the payload. The avatar is checked apart from the
// struct fields since it has no json name to key its error by.
func (r ProfileUpdate) Validate() error {
	errs := validation.Errors{}
	err := validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Length(0, 255)),
		validation.Field(&r.Email, validation.Length(0, 255), is.Email),
		validation.Field(&r.Username, validation.Length(0, 255)),
	)
	if err != nil {
		fields, ok := err.(validation.Errors)
		if !ok {
			return err
		}
		for field, fieldErr := range fields {
			errs[field] = fieldErr
		}
	}
	if err := validateAvatar(r.Avatar); err != nil {
		errs["avatar"] = err
	}
	return errs.Filter()
}

func validateAvatar(avatar *Avatar) error {
	if avatar == nil {
		return nil
	}
	if len(avatar.Content) == 0 {
		return errors.New("must not be empty")
	}
	if len(avatar.Content) > MaxAvatarSize {
		return errors.New("may not be greater than 2048 kilobytes")
	}
	contentType := avatar.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(avatar.Content)
	}
	switch contentType {
	case "image/jpeg", "image/png", "image/gif":
		return nil
	}
	return errors.New("must be a file of type: jpeg, png, jpg, gif")
}

// PasswordUpdate changes the password of the signed in user
type PasswordUpdate struct {
	CurrentPassword      string `json:"current_password"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

// Validate will validate the payload
func (r PasswordUpdate) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CurrentPassword, validation.Required),
		validation.Field(&r.Password, validation.Required),
		validation.Field(
			&r.PasswordConfirmation,
			validation.Required,
			validation.By(ValidateStringEquals(r.Password)),
		),
	)
}

// Profile fetches the profile of the signed in user.
func (a *API) Profile(ctx context.Context) (*User, error) {
	return a.getUser(ctx, PathProfile)
}

// UpdateProfile sends the changed fields. With an avatar the update goes
// out as multipart form data, spoofing PUT through POST because multipart
// PUT bodies are not parsed by the server.
func (a *API) UpdateProfile(ctx context.Context, update ProfileUpdate) (*User, error) {
	if err := update.Validate(); err != nil {
		return nil, validationFailure(err, "name", "email", "username", "avatar")
	}

	req := &Request{
		Method: http.MethodPut,
		Path:   PathProfile,
		Body:   update,
	}

	if update.Avatar != nil {
		form := map[string]string{"_method": http.MethodPut}
		if update.Name != "" {
			form["name"] = update.Name
		}
		if update.Email != "" {
			form["email"] = update.Email
		}
		if update.Username != "" {
			form["username"] = update.Username
		}
		req = &Request{
			Method: http.MethodPost,
			Path:   PathProfile,
			Form:   form,
			Files: []FormFile{{
				Field:       "avatar",
				Filename:    avatarFilename(update.Avatar),
				ContentType: update.Avatar.ContentType,
				Content:     update.Avatar.Content,
			}},
		}
	}

	resp, err := a.pipeline.Do(ctx, req)
	if err != nil {
		return nil, err
	}

	user, err := decodeUser(resp.Body)
	if err != nil {
		return nil, malformedResponse(err)
	}
	return user, nil
}

// UpdatePassword changes the password. A wrong current password comes back
// as a Forbidden error.
func (a *API) UpdatePassword(ctx context.Context, update PasswordUpdate) error {
	if err := update.Validate(); err != nil {
		return validationFailure(err, "current_password", "password", "password_confirmation")
	}

	_, err := a.pipeline.Do(ctx, &Request{
		Method:    http.MethodPut,
		Path:      PathPassword,
		Body:      update,
		Operation: OperationPasswordUpdate,
	})
	return err
}

func avatarFilename(a *Avatar) string {
	if a.Filename != "" {
		return a.Filename
	}
	return "avatar"
}
