package merge

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/gosimple/slug"
	"github.com/timmy/harvest/internal/errors"
)

const (
	maxNameLength = 100
	minNameLength = 2
)

var dashes = regexp.MustCompile(`-{2,}`)

// MungeTitleToName turns a title into a package name: lower case ASCII,
// dashes between words, runs of dashes collapsed.
func MungeTitleToName(title string) string {
	name := dashes.ReplaceAllString(slug.Make(title), "-")
	name = strings.Trim(name, "-_")
	if len(name) > maxNameLength {
		name = strings.TrimRight(name[:maxNameLength], "-_")
	}
	for len(name) < minNameLength {
		name += "_"
	}
	return name
}

// MungeTag normalises a free-text tag.
func MungeTag(tag string) string {
	return dashes.ReplaceAllString(slug.Make(strings.TrimSpace(tag)), "-")
}

// NameChecker reports whether a name is used by a package other than
// exceptID.
type NameChecker interface {
	NameTaken(ctx context.Context, name, exceptID string) (bool, error)
}

// UniqueName returns name when it is free, or name suffixed with the
// lowest free number. A package keeps its current name.
func UniqueName(ctx context.Context, checker NameChecker, name, packageID, existingName string) (string, error) {
	if existingName != "" && name == existingName {
		return name, nil
	}
	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			suffix := strconv.Itoa(i)
			base := name
			if len(base)+len(suffix) > maxNameLength {
				base = base[:maxNameLength-len(suffix)]
			}
			candidate = base + suffix
		}
		taken, err := checker.NameTaken(ctx, candidate, packageID)
		if err != nil {
			return "", errors.Wrapf(err, "check name %s", candidate)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", errors.Wrapf(errors.ErrAlreadyExists, "no free name for %s", name)
}
