package crypto

import (
	"fmt"
)

// Signing-string prefixes. The prefix pins the scheme version so a signature
// can never be replayed across schemes.
const (
	schemeV1     = "OCPv1"
	schemeLegacy = "OpenCawtReqV1"

	agreementPrefix = "OPENCAWT_AGREEMENT_V1"
	decisionPrefix  = "OPENCAWT_DECISION_V1"
)

// SigningStringV1 builds the canonical v1 request signing string:
// OCPv1|{method}|{path}|{unix_timestamp}|{nonce}|{sha256_hex(body)}.
func SigningStringV1(method, path string, unixTimestamp int64, nonce, bodyHashHex string) string {
	return fmt.Sprintf("%s|%s|%s|%d|%s|%s", schemeV1, method, path, unixTimestamp, nonce, bodyHashHex)
}

// SigningStringLegacy builds the legacy request signing string:
// OpenCawtReqV1|{method}|{path}||{ts}|{payloadHash}. The empty segment is
// part of the historic format and must be preserved.
func SigningStringLegacy(method, path string, unixTimestamp int64, payloadHashHex string) string {
	return fmt.Sprintf("%s|%s|%s||%d|%s", schemeLegacy, method, path, unixTimestamp, payloadHashHex)
}

// AgreementAttestation builds the string both parties sign to attest an OCP
// agreement.
func AgreementAttestation(proposalID, termsHash, agreementCode, partyA, partyB, expiresAtISO string) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		agreementPrefix, proposalID, termsHash, agreementCode, partyA, partyB, expiresAtISO)
}

// DecisionAttestation builds the string each signer of an OCP multisig
// decision signs.
func DecisionAttestation(payloadHash string) string {
	return fmt.Sprintf("%s|%s", decisionPrefix, payloadHash)
}
