package stores

import (
	"strings"
)

func (s *Service) validate(st Store) error {
	fields := map[string]string{}
	if strings.TrimSpace(st.Code) == "" {
		fields["code"] = "is required"
	} else if len(st.Code) > 32 {
		fields["code"] = "must be at most 32 characters"
	}
	if strings.TrimSpace(st.Name) == "" {
		fields["name"] = "is required"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
