package session

// TokenPair holds the credentials issued by the login and refresh endpoints.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IsZero returns true if neither token is set.
func (t TokenPair) IsZero() bool {
	return t.AccessToken == "" && t.RefreshToken == ""
}
