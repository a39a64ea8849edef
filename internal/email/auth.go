package email

import (
	"encoding/base64"
	"strings"
)

const defaultAPIKeyHeader = "X-API-Key"

func applyAuth(auth AuthConfig, creds Credentials, headers map[string]string) {
	switch auth.Type {
	case AuthAPIKey:
		name := auth.HeaderName
		if name == "" {
			name = defaultAPIKeyHeader
		}
		headers[name] = auth.Prefix + creds.APIKey
	case AuthBearer:
		headers["Authorization"] = "Bearer " + creds.APIKey
	case AuthBasic:
		user, pass := creds.APIKey, creds.APISecret
		if auth.Username != "" {
			user, pass = auth.Username, creds.APIKey
		}
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	case AuthCustom:
		r := strings.NewReplacer(
			"{{apiKey}}", creds.APIKey,
			"{{apiSecret}}", creds.APISecret,
		)
		for name, tmpl := range auth.CustomHeaders {
			headers[name] = r.Replace(tmpl)
		}
	}
}
