package lti

import (
	"strings"
)

// LTI 1.3 claim names used by the tool.
const (
	ClaimRoles         = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimContext       = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimLIS           = "https://purl.imsglobal.org/spec/lti/claim/lis"
	ClaimMessageType   = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion       = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID  = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLinkURI = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
)

// Context is the LTI context claim (the course the tool was launched from).
type Context struct {
	ID    string `json:"id,omitempty"`
	Label string `json:"label,omitempty"`
	Title string `json:"title,omitempty"`
}

// LIS carries the SIS identifiers of the launching user and course section.
type LIS struct {
	PersonSourcedID        string `json:"person_sourcedid,omitempty"`
	CourseSectionSourcedID string `json:"course_section_sourcedid,omitempty"`
}

// Claims is a verified assertion's claim set. It is untyped on purpose;
// callers use the accessors to project the fields they know about.
type Claims map[string]any

func (c Claims) String(name string) string {
	if s, ok := c[name].(string); ok {
		return s
	}
	return ""
}

func (c Claims) Subject() string { return c.String("sub") }
func (c Claims) Nonce() string   { return c.String("nonce") }

// Name prefers the full name and falls back to given + family.
func (c Claims) Name() string {
	if n := strings.TrimSpace(c.String("name")); n != "" {
		return n
	}
	return strings.TrimSpace(c.String("given_name") + " " + c.String("family_name"))
}

func (c Claims) Roles() []string {
	switch v := c[ClaimRoles].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

func (c Claims) Context() Context {
	m := c.object(ClaimContext)
	return Context{
		ID:    str(m["id"]),
		Label: str(m["label"]),
		Title: str(m["title"]),
	}
}

func (c Claims) LIS() LIS {
	m := c.object(ClaimLIS)
	return LIS{
		PersonSourcedID:        str(m["person_sourcedid"]),
		CourseSectionSourcedID: str(m["course_section_sourcedid"]),
	}
}

func (c Claims) object(name string) map[string]any {
	m, _ := c[name].(map[string]any)
	return m
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// Identity projects the fields carried into the session token.
func (c Claims) Identity() Identity {
	return Identity{
		Subject: c.Subject(),
		Name:    c.Name(),
		Roles:   c.Roles(),
		Context: c.Context(),
		LIS:     c.LIS(),
	}
}
