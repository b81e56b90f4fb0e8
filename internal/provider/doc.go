// Package provider holds the OAuth provider registry.
//
// Providers are data, not code: each one is a Config carrying endpoints,
// scopes, credentials and a few shape switches (PKCE, scope separator, how
// credentials are sent, where the account id is found). A single exchange
// algorithm in package oauth drives all of them.
package provider
