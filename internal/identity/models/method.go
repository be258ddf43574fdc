package models

import (
	"encoding/json"
	"fmt"

	id "fides/pkg/domain"
	dErrors "fides/pkg/domain-errors"
)

// MethodKind tags a verification method variant.
type MethodKind string

const (
	MethodPayment  MethodKind = "external_payment"
	MethodCodeHost MethodKind = "external_code_host"
	MethodManual   MethodKind = "manual"
)

// ValidMethodKinds is the single source of truth for supported methods.
var ValidMethodKinds = map[MethodKind]bool{
	MethodPayment:  true,
	MethodCodeHost: true,
	MethodManual:   true,
}

// IsValid checks if the kind is one of the supported enum values.
func (k MethodKind) IsValid() bool {
	return ValidMethodKinds[k]
}

// ParseMethodKind validates an inbound method kind string.
func ParseMethodKind(raw string) (MethodKind, error) {
	k := MethodKind(raw)
	if !k.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown verification method %q", raw))
	}
	return k, nil
}

// Method is the verification evidence attached to an identity. The set of
// variants is closed: every Method is exactly one of PaymentVerification,
// CodeHostVerification, or ManualVerification, and consumers type-switch on
// the concrete type instead of probing optional fields.
type Method interface {
	// Kind tags the variant.
	Kind() MethodKind
	// Ref is the external reference this verification was anchored to.
	// It feeds the reverse index that enforces cross-method uniqueness.
	Ref() id.ExternalRef

	sealedMethod()
}

// PaymentVerification records verification against a payment processor
// account in good standing.
type PaymentVerification struct {
	CustomerID id.ExternalRef `json:"customer_id"`
	Processor  string         `json:"processor,omitempty"`
	PlanID     string         `json:"plan_id,omitempty"`
}

func (PaymentVerification) Kind() MethodKind { return MethodPayment }

func (m PaymentVerification) Ref() id.ExternalRef { return m.CustomerID }

func (PaymentVerification) sealedMethod() {}

// CodeHostVerification records verification against an organization account
// at a code-hosting provider.
type CodeHostVerification struct {
	OrgSlug     id.ExternalRef `json:"org_slug"`
	Host        string         `json:"host,omitempty"`
	PublicRepos int            `json:"public_repos,omitempty"`
}

func (CodeHostVerification) Kind() MethodKind { return MethodCodeHost }

func (m CodeHostVerification) Ref() id.ExternalRef { return m.OrgSlug }

func (CodeHostVerification) sealedMethod() {}

// ManualVerification records an operator-approved review.
type ManualVerification struct {
	TicketID id.ExternalRef `json:"ticket_id"`
	Reviewer string         `json:"reviewer,omitempty"`
	Notes    string         `json:"notes,omitempty"`
}

func (ManualVerification) Kind() MethodKind { return MethodManual }

func (m ManualVerification) Ref() id.ExternalRef { return m.TicketID }

func (ManualVerification) sealedMethod() {}

// Verifier metadata keys consumed by MethodFromMetadata.
const (
	MetaProcessor   = "processor"
	MetaPlanID      = "plan_id"
	MetaHost        = "host"
	MetaPublicRepos = "public_repos"
	MetaReviewer    = "reviewer"
	MetaNotes       = "notes"
)

// MethodFromMetadata builds the tagged variant for a kind from the external
// reference and the verifier's free-form metadata. Unknown metadata keys are
// dropped; missing ones leave zero values.
func MethodFromMetadata(kind MethodKind, ref id.ExternalRef, meta map[string]string) (Method, error) {
	if ref.IsEmpty() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "external reference required")
	}
	switch kind {
	case MethodPayment:
		return PaymentVerification{
			CustomerID: ref,
			Processor:  meta[MetaProcessor],
			PlanID:     meta[MetaPlanID],
		}, nil
	case MethodCodeHost:
		m := CodeHostVerification{
			OrgSlug: ref,
			Host:    meta[MetaHost],
		}
		if n, err := parseCount(meta[MetaPublicRepos]); err == nil {
			m.PublicRepos = n
		}
		return m, nil
	case MethodManual:
		return ManualVerification{
			TicketID: ref,
			Reviewer: meta[MetaReviewer],
			Notes:    meta[MetaNotes],
		}, nil
	default:
		return nil, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown verification method %q", kind))
	}
}

func parseCount(raw string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, err
	}
	return n, nil
}

// methodEnvelope is the persisted form of a Method: kind tag plus the
// variant payload.
type methodEnvelope struct {
	Kind MethodKind      `json:"kind"`
	Meta json.RawMessage `json:"meta"`
}

// EncodeMethod serializes a Method for storage.
func EncodeMethod(m Method) ([]byte, error) {
	if m == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "verification method required")
	}
	meta, err := json.Marshal(m)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "marshal verification method")
	}
	return json.Marshal(methodEnvelope{Kind: m.Kind(), Meta: meta})
}

// DecodeMethod restores a Method from its stored form. Unknown kinds fail
// loudly; a record with an unrecognized method is corrupt, not ignorable.
func DecodeMethod(data []byte) (Method, error) {
	var env methodEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "unmarshal verification method envelope")
	}
	switch env.Kind {
	case MethodPayment:
		var m PaymentVerification
		if err := json.Unmarshal(env.Meta, &m); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "unmarshal payment verification")
		}
		return m, nil
	case MethodCodeHost:
		var m CodeHostVerification
		if err := json.Unmarshal(env.Meta, &m); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "unmarshal code host verification")
		}
		return m, nil
	case MethodManual:
		var m ManualVerification
		if err := json.Unmarshal(env.Meta, &m); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "unmarshal manual verification")
		}
		return m, nil
	default:
		return nil, dErrors.New(dErrors.CodeInternal, fmt.Sprintf("unknown stored verification method %q", env.Kind))
	}
}
