// Package identity implements the hub's identity verifier (C1): it
// validates operator credentials and tokens against the external identity
// provider and classifies every failure into the fixed taxonomy.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	citypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"

	"github.com/livetranslate/hub/internal/apperror"
)

// Credentials is the result of authenticating a human-presented
// username/password pair: the identity's attributes and its tokens.
type Credentials struct {
	Subject      string
	Username     string
	Email        string
	Groups       []string
	AccessToken  string
	IDToken      string
	RefreshToken string
	ExpiresIn    int32
}

// TokenInfo is the result of validating a previously issued access token.
type TokenInfo struct {
	Subject  string
	Username string
	Email    string
	Groups   []string
}

// RefreshResult carries a freshly minted access token.
type RefreshResult struct {
	AccessToken string
	ExpiresIn   int32
}

// ProviderAPI is the subset of the Cognito identity provider client the
// verifier depends on. Narrowing the dependency to an interface allows
// tests to inject a fake.
type ProviderAPI interface {
	InitiateAuth(ctx context.Context, params *cognitoidentityprovider.InitiateAuthInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.InitiateAuthOutput, error)
	GetUser(ctx context.Context, params *cognitoidentityprovider.GetUserInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.GetUserOutput, error)
}

// Verifier is the hub's identity verifier (C1).
type Verifier struct {
	client   ProviderAPI
	clientID string
}

// Config carries the startup coordinates for the identity provider. All
// three fields are mandatory; New refuses to construct a Verifier if any
// is empty.
type Config struct {
	Region     string
	UserPoolID string
	ClientID   string
}

// New validates the provider coordinates and constructs a Verifier backed
// by a real AWS Cognito client. Missing coordinates are the one
// configuration failure the process refuses to start over.
func New(ctx context.Context, cfg Config) (*Verifier, error) {
	if cfg.Region == "" || cfg.UserPoolID == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("identity: region, user pool id, and client id are all required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("identity: failed to load AWS config: %w", err)
	}

	client := cognitoidentityprovider.NewFromConfig(awsCfg)
	return NewWithClient(client, cfg.ClientID), nil
}

// NewWithClient constructs a Verifier around an already-built ProviderAPI,
// primarily for tests.
func NewWithClient(client ProviderAPI, clientID string) *Verifier {
	return &Verifier{client: client, clientID: clientID}
}

// AuthenticateCredentials delegates to the provider's password flow. The
// password is never retained; it is forwarded to the provider and
// discarded.
func (v *Verifier) AuthenticateCredentials(ctx context.Context, username, password string) (Credentials, error) {
	out, err := v.client.InitiateAuth(ctx, &cognitoidentityprovider.InitiateAuthInput{
		AuthFlow: citypes.AuthFlowTypeUserPasswordAuth,
		ClientId: aws.String(v.clientID),
		AuthParameters: map[string]string{
			"USERNAME": username,
			"PASSWORD": password,
		},
	})
	if err != nil {
		return Credentials{}, classifyAuthError(err)
	}
	if out.AuthenticationResult == nil {
		return Credentials{}, apperror.New(apperror.CodeProviderUnavailable, "provider returned no authentication result")
	}

	res := out.AuthenticationResult
	creds := Credentials{
		Username: username,
	}
	if res.AccessToken != nil {
		creds.AccessToken = *res.AccessToken
	}
	if res.IdToken != nil {
		creds.IDToken = *res.IdToken
	}
	if res.RefreshToken != nil {
		creds.RefreshToken = *res.RefreshToken
	}
	creds.ExpiresIn = res.ExpiresIn

	info, err := v.userInfoFromAccessToken(ctx, creds.AccessToken)
	if err != nil {
		return Credentials{}, err
	}
	creds.Subject = info.Subject
	creds.Email = info.Email
	creds.Groups = info.Groups

	return creds, nil
}

// ValidateAccessToken asks the provider to validate token and returns the
// attributes of the identity it belongs to. Expired, malformed, or revoked
// tokens are rejected.
func (v *Verifier) ValidateAccessToken(ctx context.Context, token string) (TokenInfo, error) {
	return v.userInfoFromAccessToken(ctx, token)
}

func (v *Verifier) userInfoFromAccessToken(ctx context.Context, token string) (TokenInfo, error) {
	if token == "" {
		return TokenInfo{}, apperror.New(apperror.CodeTokenInvalid, "empty access token")
	}
	out, err := v.client.GetUser(ctx, &cognitoidentityprovider.GetUserInput{
		AccessToken: aws.String(token),
	})
	if err != nil {
		return TokenInfo{}, classifyAuthError(err)
	}

	info := TokenInfo{}
	if out.Username != nil {
		info.Username = *out.Username
	}
	for _, attr := range out.UserAttributes {
		if attr.Name == nil || attr.Value == nil {
			continue
		}
		switch *attr.Name {
		case "sub":
			info.Subject = *attr.Value
		case "email":
			info.Email = *attr.Value
		}
	}
	if info.Subject == "" {
		return TokenInfo{}, apperror.New(apperror.CodeTokenInvalid, "provider response missing subject attribute")
	}
	return info, nil
}

// RefreshAccessToken exchanges a refresh token for a new access token.
func (v *Verifier) RefreshAccessToken(ctx context.Context, username, refreshToken string) (RefreshResult, error) {
	out, err := v.client.InitiateAuth(ctx, &cognitoidentityprovider.InitiateAuthInput{
		AuthFlow: citypes.AuthFlowTypeRefreshTokenAuth,
		ClientId: aws.String(v.clientID),
		AuthParameters: map[string]string{
			"REFRESH_TOKEN": refreshToken,
		},
	})
	if err != nil {
		return RefreshResult{}, classifyRefreshError(err)
	}
	if out.AuthenticationResult == nil || out.AuthenticationResult.AccessToken == nil {
		return RefreshResult{}, apperror.New(apperror.CodeProviderUnavailable, "provider returned no refreshed token")
	}
	return RefreshResult{
		AccessToken: *out.AuthenticationResult.AccessToken,
		ExpiresIn:   out.AuthenticationResult.ExpiresIn,
	}, nil
}

// classifyAuthError maps a Cognito SDK error onto the fixed error
// taxonomy.
func classifyAuthError(err error) *apperror.Error {
	var notAuthorized *citypes.NotAuthorizedException
	var userNotFound *citypes.UserNotFoundException
	var userNotConfirmed *citypes.UserNotConfirmedException
	var tooManyRequests *citypes.TooManyRequestsException
	var invalidParam *citypes.InvalidParameterException

	switch {
	case errors.As(err, &notAuthorized):
		return classifyNotAuthorized(notAuthorized, err)
	case errors.As(err, &userNotFound):
		return apperror.Wrap(apperror.CodeUserNotFound, "provider reports no such user", err)
	case errors.As(err, &userNotConfirmed):
		return apperror.Wrap(apperror.CodeUserDisabled, "provider reports unconfirmed/disabled user", err)
	case errors.As(err, &tooManyRequests):
		return apperror.Wrap(apperror.CodeRateLimited, "provider is throttling requests", err).WithRetryAfter(time.Second)
	case errors.As(err, &invalidParam):
		return apperror.Wrap(apperror.CodeTokenInvalid, "provider rejected malformed token or parameters", err)
	default:
		return apperror.Wrap(apperror.CodeProviderUnavailable, "identity provider call failed", err)
	}
}

// classifyNotAuthorized splits Cognito's catch-all NotAuthorizedException.
// The same exception covers wrong passwords and rejected access tokens;
// only its message distinguishes them ("Access Token has expired",
// "Invalid Access Token", "Incorrect username or password.").
func classifyNotAuthorized(ex *citypes.NotAuthorizedException, err error) *apperror.Error {
	msg := strings.ToLower(ex.ErrorMessage())
	switch {
	case strings.Contains(msg, "expired"):
		return apperror.Wrap(apperror.CodeTokenExpired, "provider reports expired token", err)
	case strings.Contains(msg, "token"):
		return apperror.Wrap(apperror.CodeTokenInvalid, "provider rejected token", err)
	default:
		return apperror.Wrap(apperror.CodeInvalidCredentials, "provider rejected credentials", err)
	}
}

func classifyRefreshError(err error) *apperror.Error {
	var notAuthorized *citypes.NotAuthorizedException
	var tooManyRequests *citypes.TooManyRequestsException

	switch {
	case errors.As(err, &notAuthorized):
		return apperror.Wrap(apperror.CodeRefreshTokenExpired, "refresh token rejected by provider", err)
	case errors.As(err, &tooManyRequests):
		return apperror.Wrap(apperror.CodeRateLimited, "provider is throttling requests", err).WithRetryAfter(time.Second)
	default:
		return apperror.Wrap(apperror.CodeProviderUnavailable, "identity provider call failed", err)
	}
}
