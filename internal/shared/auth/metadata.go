package auth

import "time"

// Metadata keys carried in the identity service's user metadata.
const (
	MetaName       = "name"
	MetaRole       = "role"
	MetaDepartment = "department"
)

// UserFromMetadata builds a token subject from an identity record.
func UserFromMetadata(id, email string, metadata map[string]any) User {
	str := func(key string) string {
		s, _ := metadata[key].(string)
		return s
	}
	return User{
		ID:         id,
		Email:      email,
		Name:       str(MetaName),
		Role:       str(MetaRole),
		Department: str(MetaDepartment),
	}
}

// IssueSession signs an access token for an identity record under sessionID.
func (i *Issuer) IssueSession(id, email string, metadata map[string]any, sessionID string) (string, time.Time, error) {
	user := UserFromMetadata(id, email, metadata)
	user.SessionID = sessionID
	return i.Issue(user)
}
