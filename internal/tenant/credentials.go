package tenant

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvCredentialResolver resolves "env://VAR_NAME" refs by reading the named
// process environment variable. It is the only CredentialResolver in this
// module; refs with any other scheme (vault://, consul://, ...) are rejected.
type EnvCredentialResolver struct{}

// Resolve implements CredentialResolver.
func (EnvCredentialResolver) Resolve(_ context.Context, ref string) (string, error) {
	const prefix = "env://"

	if !strings.HasPrefix(ref, prefix) {
		return "", fmt.Errorf("unsupported credentials_ref scheme in %q", ref)
	}

	name := strings.TrimPrefix(ref, prefix)
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return "", fmt.Errorf("credential env var %q is not set", name)
	}

	return value, nil
}
