// Package discord connects role self-assignment to Discord.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/zephyrtronium/roleassign/join"
)

// memberAPI is the subset of the Discord REST API used to manage member roles.
type memberAPI interface {
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
}

// Roles manages member roles through the Discord API.
type Roles struct {
	api memberAPI
}

var _ join.Platform = (*Roles)(nil)

// Held returns the IDs of the roles a guild member holds.
func (r *Roles) Held(ctx context.Context, guild, member string) ([]string, error) {
	m, err := r.api.GuildMember(guild, member, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	return m.Roles, nil
}

// Grant adds a role to a guild member.
func (r *Roles) Grant(ctx context.Context, guild, member, role string) error {
	return classify(r.api.GuildMemberRoleAdd(guild, member, role, discordgo.WithContext(ctx)))
}

// Revoke removes a role from a guild member.
func (r *Roles) Revoke(ctx context.Context, guild, member, role string) error {
	return classify(r.api.GuildMemberRoleRemove(guild, member, role, discordgo.WithContext(ctx)))
}

// classify wraps a Discord error as forbidden or transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		if rest.Message != nil {
			switch rest.Message.Code {
			case discordgo.ErrCodeMissingPermissions, discordgo.ErrCodeMissingAccess:
				return fmt.Errorf("%w: %w", join.ErrForbidden, err)
			}
		}
		if rest.Response != nil && rest.Response.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %w", join.ErrForbidden, err)
		}
	}
	return fmt.Errorf("%w: %w", join.ErrTransient, err)
}
