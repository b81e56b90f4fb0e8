package provider

// Builtin returns the endpoint tables of the providers mcpgate knows out of the
// box. Credentials are never part of the table; they come from the config file
// or the environment.
func Builtin() map[string]Config {
	return map[string]Config{
		"slack": {
			ID:             "slack",
			AuthorizeURL:   "https://slack.com/oauth/v2/authorize",
			TokenURL:       "https://slack.com/api/oauth.v2.access",
			Scopes:         []string{"channels:read", "chat:write", "chat:write.customize", "users:read"},
			AuthStyle:      AuthStyleParams,
			ScopeSeparator: ",",
			AuthParams: map[string]string{
				"user_scope": "channels:read,chat:write,users:read,users:read.email",
			},
			Subject: SubjectSource{TokenField: "team.id"},
		},
		"google": {
			ID:           "google",
			AuthorizeURL: "https://accounts.google.com/o/oauth2/auth",
			TokenURL:     "https://oauth2.googleapis.com/token",
			Scopes:       []string{"openid", "email", "https://www.googleapis.com/auth/calendar"},
			PKCE:         true,
			AuthStyle:    AuthStyleParams,
			AuthParams: map[string]string{
				"access_type":            "offline",
				"prompt":                 "consent",
				"include_granted_scopes": "true",
			},
			Subject: SubjectSource{
				IDTokenClaim:  "sub",
				UserInfoURL:   "https://openidconnect.googleapis.com/v1/userinfo",
				UserInfoField: "sub",
			},
		},
		"github": {
			ID:           "github",
			AuthorizeURL: "https://github.com/login/oauth/authorize",
			TokenURL:     "https://github.com/login/oauth/access_token",
			Scopes:       []string{"read:user", "user:email"},
			PKCE:         true,
			AuthStyle:    AuthStyleParams,
			Subject:      SubjectSource{UserInfoURL: "https://api.github.com/user", UserInfoField: "id"},
		},
		"figma": {
			ID:           "figma",
			AuthorizeURL: "https://www.figma.com/oauth",
			TokenURL:     "https://api.figma.com/v1/oauth/token",
			Scopes:       []string{"current_user:read"},
			AuthStyle:    AuthStyleHeader,
			Subject:      SubjectSource{TokenField: "user_id", UserInfoURL: "https://api.figma.com/v1/me", UserInfoField: "id"},
		},
		"atlassian": {
			ID:           "atlassian",
			AuthorizeURL: "https://auth.atlassian.com/authorize",
			TokenURL:     "https://auth.atlassian.com/oauth/token",
			Scopes: []string{
				"read:me", "read:account", "offline_access",
				"read:jira-work", "read:jira-user", "write:jira-work",
				"read:confluence-content.all", "write:confluence-content",
			},
			PKCE:      true,
			AuthStyle: AuthStyleParams,
			AuthParams: map[string]string{
				"audience": "api.atlassian.com",
				"prompt":   "consent",
			},
			Subject: SubjectSource{UserInfoURL: "https://api.atlassian.com/me", UserInfoField: "account_id"},
		},
	}
}
