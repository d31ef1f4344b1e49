package maxapi

import (
	"context"
	"fmt"
)

// authenticateOn sends the token on l and refreshes the cache from the reply.
func (c *Client) authenticateOn(ctx context.Context, l *link, token string) error {
	f, err := c.callOn(ctx, l, OpAuthenticate, authRequest{
		Interactive: true,
		Token:       token,
		ChatsCount:  c.config.ChatsCount,
	})
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	var resp authResponse
	if err := f.Decode(&resp); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	if resp.Error != "" {
		err := &AuthError{Message: resp.Error}
		c.log.Error().Err(err).Msg("authentication failed")
		return err
	}
	if resp.Profile == nil {
		return &AuthError{Message: "no profile in response"}
	}

	c.cache.reset(resp.Profile, resp.Chats)
	c.log.Info().
		Int64("user", resp.Profile.Contact.ID).
		Str("name", resp.Profile.Contact.DisplayName()).
		Int("chats", len(resp.Chats)).
		Msg("authenticated")
	return nil
}

// Authenticate completes a session that was connected without a token. On
// success the token is kept and reused on every reconnect.
func (c *Client) Authenticate(ctx context.Context, token string) error {
	ctx, cancel := c.withRequestTimeout(ctx)
	defer cancel()

	l, err := c.waitReady(ctx)
	if err != nil {
		return err
	}
	if err := c.authenticateOn(ctx, l, token); err != nil {
		return err
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

// RequestVerifyCode asks the server to send a login code to phone and returns
// the verification token needed by CheckVerifyCode.
func (c *Client) RequestVerifyCode(ctx context.Context, phone string) (string, error) {
	f, err := c.call(ctx, OpSendVerifyCode, verifyCodeRequest{
		Phone:    phone,
		Type:     "START_AUTH",
		Language: c.config.UserAgent.Locale,
	})
	if err != nil {
		return "", err
	}
	var resp verifyCodeResponse
	if err := f.Decode(&resp); err != nil {
		return "", fmt.Errorf("decode verify code response: %w", err)
	}
	if resp.Error != "" {
		return "", &AuthError{Message: resp.Error}
	}
	if resp.Token == "" {
		return "", &AuthError{Message: "no verification token in response"}
	}
	return resp.Token, nil
}

// CheckVerifyCode exchanges the code received by the user for a login token.
// Pass the result to Authenticate or store it as Config.Token.
func (c *Client) CheckVerifyCode(ctx context.Context, verifyToken, code string) (string, error) {
	f, err := c.call(ctx, OpCheckVerifyCode, checkCodeRequest{
		Token:         verifyToken,
		VerifyCode:    code,
		AuthTokenType: "CHECK_CODE",
	})
	if err != nil {
		return "", err
	}
	var resp checkCodeResponse
	if err := f.Decode(&resp); err != nil {
		return "", fmt.Errorf("decode check code response: %w", err)
	}
	if resp.Error != "" {
		return "", &AuthError{Message: resp.Error}
	}
	token := resp.TokenAttrs.Login.Token
	if token == "" {
		return "", &AuthError{Message: "no login token in response"}
	}
	return token, nil
}
