package importer

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/merge"
	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
)

// ImportUser finds or creates the local user for a tracker profile and
// merges name, e-mail, avatar and role into it.
//
// The user is looked up by link first, then by e-mail. A new user is only
// created when the server accepts new users; otherwise ErrForbidden is
// returned. Avatar retrieval failures leave the image untouched.
func (im *Importer) ImportUser(ctx context.Context, server *schema.Server, profile UserPayload) (*schema.User, error) {
	ctx, span := im.tracer.Start(ctx, "importer.ImportUser", trace.WithAttributes(
		attribute.String("server", server.Name),
		attribute.Int64("external_user", profile.ID),
	))
	defer span.End()

	if profile.ID == 0 {
		return nil, syncerr.BadRequest("user profile has no id")
	}

	user, err := im.findUser(ctx, server, profile)
	if err != nil {
		return nil, err
	}
	if user != nil && user.Deleted {
		return user, nil
	}
	if user == nil {
		if !server.Settings.AcceptNewUsers {
			return nil, syncerr.Forbidden("server %s does not accept new users (%s)", server.Name, profile.Username)
		}
		username, err := im.freeUsername(ctx, profile.Username, server.Name)
		if err != nil {
			return nil, err
		}
		user = &schema.User{Username: username, Type: server.NewUserRole()}
	}

	image, imageOK := im.retrieveImage(ctx, server, profile)

	user, err = save(ctx, im.db.Users, user, func(u *schema.User) (bool, error) {
		return im.applyProfile(u, server, profile, image, imageOK), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save user %s: %w", profile.Username, err)
	}
	return user, nil
}

func (im *Importer) applyProfile(u *schema.User, server *schema.Server, profile UserPayload, image string, imageOK bool) bool {
	keys := schema.ObjectKeys{schema.KindUser: {ID: profile.ID, Name: profile.Username}}
	link, changed := linkTo(u, server, keys)

	if profile.Name != "" && merge.Import(u, schema.UserName, link, profile.Name, PolicyUserName) {
		changed = true
	}
	if profile.Email != "" && merge.Import(u, schema.UserEmail, link, profile.Email, PolicyUserEmail) {
		changed = true
	}
	if imageOK && merge.Import(u, schema.UserImage, link, image, PolicyUserImage) {
		changed = true
	}

	if profile.IsAdmin {
		if elevated := u.Type.Elevate(schema.UserAdministrator); elevated != u.Type {
			u.Type = elevated
			changed = true
		}
	}

	if changed || u.ID == 0 {
		u.MarkImported(im.now())
	}
	return changed
}

// findUser looks the profile up by link, then by e-mail.
func (im *Importer) findUser(ctx context.Context, server *schema.Server, profile UserPayload) (*schema.User, error) {
	criteria := serverLink(server, schema.ObjectKeys{schema.KindUser: {ID: profile.ID}})
	users, err := im.db.Users.FindByLink(ctx, criteria, schema.KindUser)
	if err != nil {
		return nil, err
	}
	if len(users) > 0 {
		return users[0], nil
	}

	byEmail, err := im.db.FindUserByEmail(ctx, profile.Email)
	if err != nil {
		return nil, err
	}
	for _, u := range byEmail {
		// an account already tied to another user of this server is not ours
		if _, linked := u.ExternalID(server.Type, server.ID); linked {
			continue
		}
		return u, nil
	}
	return nil, nil
}

func (im *Importer) freeUsername(ctx context.Context, wanted, serverName string) (string, error) {
	base := strings.ToLower(strings.TrimSpace(wanted))
	if base == "" {
		base = serverName + "-user"
	}
	candidate := base
	for i := 2; i < 100; i++ {
		_, taken, err := im.db.FindUserByUsername(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s%d", base, i)
	}
	return "", syncerr.BadRequest("no free username for %q", wanted)
}

func (im *Importer) retrieveImage(ctx context.Context, server *schema.Server, profile UserPayload) (string, bool) {
	if im.images == nil || profile.AvatarURL == "" {
		return "", false
	}
	url, err := im.images.Retrieve(ctx, server, profile.AvatarURL)
	if err != nil {
		im.logger.Warn("profile image unavailable",
			zap.String("server", server.Name),
			zap.String("username", profile.Username),
			zap.Error(err),
		)
		return "", false
	}
	return url, url != ""
}

// userByExternalID returns the local user for an external user id,
// fetching the profile from the tracker when no link exists yet.
func (im *Importer) userByExternalID(ctx context.Context, server *schema.Server, externalID int64) (*schema.User, error) {
	criteria := serverLink(server, schema.ObjectKeys{schema.KindUser: {ID: externalID}})
	users, err := im.db.Users.FindByLink(ctx, criteria, schema.KindUser)
	if err != nil {
		return nil, err
	}
	if len(users) > 0 {
		return users[0], nil
	}

	var profile UserPayload
	if err := im.client.Fetch(ctx, server, fmt.Sprintf("/users/%d", externalID), &profile); err != nil {
		return nil, fmt.Errorf("failed to fetch user %d: %w", externalID, err)
	}
	return im.ImportUser(ctx, server, profile)
}

// resolveUser imports an event's user block, falling back to a lookup by
// id when the block carries nothing but the id.
func (im *Importer) resolveUser(ctx context.Context, server *schema.Server, profile UserPayload) (*schema.User, error) {
	if profile.ID == 0 {
		return nil, syncerr.BadRequest("event has no user id")
	}
	if profile.Username == "" && profile.Email == "" {
		return im.userByExternalID(ctx, server, profile.ID)
	}
	return im.ImportUser(ctx, server, profile)
}
