// Package classify gates which inputs may become person entities
package classify

import (
	"strings"

	"github.com/fernhollow/registry/pkg/blocklist"
	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/normalize"
)

// Category is the classification outcome for a candidate name/contact pair
type Category string

const (
	CategoryPerson       Category = "person"
	CategoryOrganization Category = "organization"
	CategoryAddressLike  Category = "address_like"
	CategoryGarbage      Category = "garbage"
	CategoryNoContact    Category = "no_contact"
)

// Input is a candidate name/contact combination. Email and Phone are raw; the
// classifier normalizes them itself so callers cannot skip the gate by
// passing unnormalized values.
type Input struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

// Result is the gate's decision
type Result struct {
	Category           Category `json:"category"`
	ShouldCreatePerson bool     `json:"should_create_person"`
	Reason             string   `json:"reason"`
	Rule               string   `json:"rule"`
}

// Rule is one ordered classification rule: a pure predicate that either
// claims the input with a result or passes. First match wins, so rule order
// is explicit and testable in isolation.
type Rule struct {
	Name     string
	Evaluate func(in Input, norm NormalizedInput) (Result, bool)
}

// NormalizedInput carries the precomputed normalized forms handed to each rule
type NormalizedInput struct {
	FullName string
	Email    string
	Phone    string
}

// Classifier applies an ordered rule list. Every code path that creates a
// person entity routes through Classify; there is no secondary path.
type Classifier struct {
	rules []Rule
	block *blocklist.Snapshot
}

// New creates a classifier with the default rule order
func New(block *blocklist.Snapshot) *Classifier {
	c := &Classifier{block: block}
	c.rules = []Rule{
		c.noContactRule(),
		organizationTokenRule(),
		duplicatedPhraseRule(),
		addressLikeRule(),
		garbageRule(),
	}
	return c
}

// NewWithRules creates a classifier with a custom ordered rule list
func NewWithRules(block *blocklist.Snapshot, rules []Rule) *Classifier {
	return &Classifier{block: block, rules: rules}
}

// Classify runs the ordered rules; anything no rule claims is a person
func (c *Classifier) Classify(in Input) Result {
	norm := NormalizedInput{
		FullName: normalize.Name(strings.TrimSpace(in.FirstName + " " + in.LastName)),
		Email:    normalize.Email(in.Email),
		Phone:    normalize.Phone(in.Phone),
	}

	for _, rule := range c.rules {
		if result, ok := rule.Evaluate(in, norm); ok {
			return result
		}
	}

	return Result{
		Category:           CategoryPerson,
		ShouldCreatePerson: true,
		Reason:             "passed all gates",
		Rule:               "default",
	}
}

// noContactRule rejects inputs with no usable contact identifier. Blocked
// identifiers do not count as usable: a record whose only phone is the shared
// office line must never drive person creation.
func (c *Classifier) noContactRule() Rule {
	return Rule{
		Name: "no_contact",
		Evaluate: func(in Input, norm NormalizedInput) (Result, bool) {
			emailUsable := norm.Email != "" && !c.block.IsBlocked(models.IdentifierTypeEmail, norm.Email)
			phoneUsable := norm.Phone != "" && !c.block.IsBlocked(models.IdentifierTypePhone, norm.Phone)
			if emailUsable || phoneUsable {
				return Result{}, false
			}
			return Result{
				Category:           CategoryNoContact,
				ShouldCreatePerson: false,
				Reason:             "no contact info",
				Rule:               "no_contact",
			}, true
		},
	}
}

// organizationTokens are name words that mark corporate or organizational
// accounts rather than individuals
var organizationTokens = map[string]bool{
	"llc": true, "inc": true, "corp": true, "co": true, "company": true,
	"rescue": true, "shelter": true, "clinic": true, "hospital": true,
	"veterinary": true, "vet": true, "society": true, "spca": true,
	"humane": true, "church": true, "school": true, "district": true,
	"hoa": true, "apartments": true, "winery": true, "vineyard": true,
	"resort": true, "campground": true, "ranch": true,
	"farm": true, "dairy": true, "market": true, "store": true,
	"association": true, "foundation": true, "department": true,
}

func organizationTokenRule() Rule {
	return Rule{
		Name: "organization_token",
		Evaluate: func(in Input, norm NormalizedInput) (Result, bool) {
			for _, token := range strings.Fields(norm.FullName) {
				if organizationTokens[token] {
					return Result{
						Category:           CategoryOrganization,
						ShouldCreatePerson: false,
						Reason:             "organization token: " + token,
						Rule:               "organization_token",
					}, true
				}
			}
			return Result{}, false
		},
	}
}

// duplicatedPhraseRule catches names that are a phrase repeated twice, e.g.
// "Casini Ranch Casini Ranch". Some exports flag non-person accounts this
// way. Kept as its own rule since the pattern is specific to those exports.
func duplicatedPhraseRule() Rule {
	return Rule{
		Name: "duplicated_phrase",
		Evaluate: func(in Input, norm NormalizedInput) (Result, bool) {
			words := strings.Fields(norm.FullName)
			if len(words) < 2 || len(words)%2 != 0 {
				return Result{}, false
			}
			half := len(words) / 2
			first := strings.Join(words[:half], " ")
			second := strings.Join(words[half:], " ")
			if first != second {
				return Result{}, false
			}
			return Result{
				Category:           CategoryOrganization,
				ShouldCreatePerson: false,
				Reason:             "duplicated phrase name",
				Rule:               "duplicated_phrase",
			}, true
		},
	}
}

// streetTokens mark a name that is actually an address
var streetTokens = map[string]bool{
	"st": true, "street": true, "ave": true, "avenue": true, "rd": true,
	"road": true, "dr": true, "drive": true, "ln": true, "lane": true,
	"blvd": true, "boulevard": true, "hwy": true, "highway": true,
	"ct": true, "court": true, "cir": true, "circle": true, "way": true,
	"pl": true, "terrace": true,
}

func addressLikeRule() Rule {
	return Rule{
		Name: "address_like",
		Evaluate: func(in Input, norm NormalizedInput) (Result, bool) {
			words := strings.Fields(norm.FullName)
			if len(words) < 2 {
				return Result{}, false
			}

			claimed := false
			if strings.HasPrefix(norm.FullName, "po box") {
				claimed = true
			}
			if !claimed && isNumeric(words[0]) {
				for _, word := range words[1:] {
					if streetTokens[word] {
						claimed = true
						break
					}
				}
			}
			if !claimed {
				return Result{}, false
			}

			return Result{
				Category:           CategoryAddressLike,
				ShouldCreatePerson: false,
				Reason:             "name is an address",
				Rule:               "address_like",
			}, true
		},
	}
}

// placeholderNames are throwaway values sources use when no name was collected
var placeholderNames = map[string]bool{
	"unknown": true, "n a": true, "na": true, "none": true, "test": true,
	"no name": true, "x": true, "xx": true, "tbd": true, "caretaker": true,
	"owner": true, "resident": true, "anonymous": true, "declined": true,
}

func garbageRule() Rule {
	return Rule{
		Name: "garbage",
		Evaluate: func(in Input, norm NormalizedInput) (Result, bool) {
			name := norm.FullName
			if name != "" && !isNumeric(strings.ReplaceAll(name, " ", "")) && !placeholderNames[name] && len(name) >= 2 {
				return Result{}, false
			}
			return Result{
				Category:           CategoryGarbage,
				ShouldCreatePerson: false,
				Reason:             "name fails basic validity",
				Rule:               "garbage",
			}, true
		},
	}
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
