package converse

import (
	"context"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	// DevKeyPrefix marks development API keys that may mint their own
	// connection tokens instead of going through the signed URL endpoint.
	DevKeyPrefix    = "cnv_dev_"
	APIKeyMinLength = 32
	TokenExpiryMs   = 10 * 60 * 1000
)

// Result carries either a value or a ConverseError.
type Result[T any] struct {
	Data    T
	Error   *ConverseError
	Success bool
}

func Ok[T any](data T) Result[T] {
	return Result[T]{Data: data, Success: true}
}

func Err[T any](err *ConverseError) Result[T] {
	return Result[T]{Error: err, Success: false}
}

// ValidatedAPIKey is an API key that passed format validation.
type ValidatedAPIKey string

// DevToken is a self-signed connection token for development backends.
type DevToken struct {
	Token     string
	ExpiresAt int64 // Unix timestamp in milliseconds
}

func ValidateAPIKeyFormat(apiKey string) Result[ValidatedAPIKey] {
	if len(apiKey) >= APIKeyMinLength && strings.HasPrefix(apiKey, DevKeyPrefix) {
		return Ok(ValidatedAPIKey(apiKey))
	}
	return Err[ValidatedAPIKey](NewConverseError("Invalid API key format", "INVALID_API_KEY_FORMAT"))
}

func GetDevAPIKey() Result[string] {
	apiKey := os.Getenv("CONVERSE_DEV_API_KEY")
	if apiKey != "" {
		return Ok(apiKey)
	}
	return Err[string](NewConverseError("CONVERSE_DEV_API_KEY not set", "MISSING_API_KEY"))
}

func GenerateDevTokenFromAPIKey(apiKey ValidatedAPIKey, userID *string) Result[*DevToken] {
	expiresAt := time.Now().UnixMilli() + TokenExpiryMs

	payload := map[string]interface{}{
		"apiKey": string(apiKey)[:8] + "...",
		"exp":    expiresAt / 1000, // JWT expects seconds
	}
	if userID != nil {
		payload["userId"] = *userID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(payload))
	tokenString, err := token.SignedString([]byte(apiKey))
	if err != nil {
		return Err[*DevToken](NewConverseError(err.Error(), "TOKEN_GENERATION_FAILED"))
	}

	return Ok(&DevToken{Token: tokenString, ExpiresAt: expiresAt})
}

func GenerateDevToken() Result[*DevToken] {
	apiKeyResult := GetDevAPIKey()
	if !apiKeyResult.Success {
		return Err[*DevToken](apiKeyResult.Error)
	}

	validatedResult := ValidateAPIKeyFormat(apiKeyResult.Data)
	if !validatedResult.Success {
		return Err[*DevToken](validatedResult.Error)
	}

	return GenerateDevTokenFromAPIKey(validatedResult.Data, nil)
}

func GenerateDevTokenWithUserID(userID string) Result[*DevToken] {
	apiKeyResult := GetDevAPIKey()
	if !apiKeyResult.Success {
		return Err[*DevToken](apiKeyResult.Error)
	}

	validatedResult := ValidateAPIKeyFormat(apiKeyResult.Data)
	if !validatedResult.Success {
		return Err[*DevToken](validatedResult.Error)
	}

	return GenerateDevTokenFromAPIKey(validatedResult.Data, &userID)
}

func IsTokenExpired(token *DevToken) bool {
	return time.Now().UnixMilli() > token.ExpiresAt
}

func GetTokenTTL(token *DevToken) int {
	ttl := (token.ExpiresAt - time.Now().UnixMilli()) / 1000
	if ttl < 0 {
		return 0
	}
	return int(ttl)
}

func DecodeDevToken(token string, apiKey string) Result[map[string]interface{}] {
	parsedToken, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return []byte(apiKey), nil
	})
	if err != nil {
		return Err[map[string]interface{}](NewConverseError(err.Error(), "TOKEN_DECODE_FAILED"))
	}

	if claims, ok := parsedToken.Claims.(jwt.MapClaims); ok && parsedToken.Valid {
		return Ok(map[string]interface{}(claims))
	}

	return Err[map[string]interface{}](NewConverseError("Invalid token", "TOKEN_DECODE_FAILED"))
}

// BuildDevConnectionURL appends the dev token to a websocket endpoint.
func BuildDevConnectionURL(endpoint string, token *DevToken) string {
	return endpoint + "?token=" + url.QueryEscape(token.Token)
}

// DevSignedURLProvider satisfies SignedURLProvider with locally minted dev
// tokens, for backends that accept them instead of signed URLs.
type DevSignedURLProvider struct {
	Endpoint string
}

func NewDevSignedURLProvider(endpoint string) *DevSignedURLProvider {
	return &DevSignedURLProvider{Endpoint: endpoint}
}

func (p *DevSignedURLProvider) FetchConnectionURL(ctx context.Context, agentID string) (string, error) {
	result := GenerateDevToken()
	if !result.Success {
		return "", NewAuthError(result.Error.Message)
	}
	connectionURL := BuildDevConnectionURL(p.Endpoint, result.Data)
	if agentID != "" {
		connectionURL += "&agent_id=" + url.QueryEscape(agentID)
	}
	return connectionURL, nil
}
