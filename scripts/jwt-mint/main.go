// Command jwt-mint signs bearer tokens for local pgbulk loaders. With
// -generate it writes a fresh RSA key pair first.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type mintOptions struct {
	Issuer    string
	Audience  string
	Subject   string
	RoleClaim string
	Role      string
	KID       string
	Expires   time.Duration
}

func main() {
	currentUser, err := user.Current()
	if err != nil {
		currentUser = &user.User{Username: "loader"}
	}

	keyPath := flag.String("key", ".auth/jwt_private.pem", "Path to RSA private key (PEM)")
	generate := flag.Bool("generate", false, "Generate a key pair next to -key before minting")
	bits := flag.Int("bits", 2048, "RSA key size for -generate")
	var opts mintOptions
	flag.StringVar(&opts.Issuer, "issuer", "https://localhost:9000", "JWT issuer")
	flag.StringVar(&opts.Audience, "audience", "pgbulk", "JWT audience (comma-separated)")
	flag.StringVar(&opts.Subject, "subject", currentUser.Username, "JWT subject")
	flag.StringVar(&opts.RoleClaim, "role-claim", "db_role", "Claim name carrying the database role")
	flag.StringVar(&opts.Role, "role", "", "Database role to place in the role claim (optional)")
	flag.StringVar(&opts.KID, "kid", "local-key", "JWT key ID")
	flag.DurationVar(&opts.Expires, "expires", time.Hour, "Token lifetime (e.g. 1h)")
	flag.Parse()

	if *generate {
		if err := generateKeys(*keyPath, *bits); err != nil {
			exitErr(err)
		}
	}

	privateKey, err := loadPrivateKey(*keyPath)
	if err != nil {
		exitErr(err)
	}

	signed, err := mint(privateKey, opts, time.Now())
	if err != nil {
		exitErr(err)
	}
	fmt.Println(signed)
}

func mint(key *rsa.PrivateKey, opts mintOptions, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": opts.Issuer,
		"sub": opts.Subject,
		"aud": splitList(opts.Audience),
		"iat": now.Unix(),
		"exp": now.Add(opts.Expires).Unix(),
		"nbf": now.Add(-1 * time.Minute).Unix(),
	}
	if opts.Role != "" {
		if opts.RoleClaim == "" {
			return "", fmt.Errorf("role claim name must not be empty")
		}
		claims[opts.RoleClaim] = opts.Role
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = opts.KID
	return token.SignedString(key)
}

// generateKeys writes privatePath and a sibling jwt_public.pem.
func generateKeys(privatePath string, bits int) error {
	dir := filepath.Dir(privatePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create dir: %w", err)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	if err := writePEM(privatePath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(privateKey), 0o600); err != nil {
		return err
	}

	publicBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	publicPath := filepath.Join(dir, "jwt_public.pem")
	if err := writePEM(publicPath, "PUBLIC KEY", publicBytes, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s and %s\n", privatePath, publicPath)
	return nil
}

func writePEM(path, pemType string, bytes []byte, perm os.FileMode) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := pem.Encode(file, &pem.Block{Type: pemType, Bytes: bytes}); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key pem")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type")
	}
	return rsaKey, nil
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}

func splitList(value string) []string {
	raw := strings.Split(value, ",")
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
