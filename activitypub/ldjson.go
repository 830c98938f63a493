package activitypub

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/piprate/json-gold/ld"
)

// LDProcessor canonicalises JSON-LD documents and signs/verifies
// RsaSignature2017 blocks. Contexts come from the embedded loader, so all
// operations are pure computation.
type LDProcessor struct {
	proc   *ld.JsonLdProcessor
	loader *contextLoader
}

func NewLDProcessor() *LDProcessor {
	return &LDProcessor{
		proc:   ld.NewJsonLdProcessor(),
		loader: newContextLoader(),
	}
}

func (p *LDProcessor) options() *ld.JsonLdOptions {
	opts := ld.NewJsonLdOptions("")
	opts.DocumentLoader = p.loader
	return opts
}

// Canonicalise expands a document and compacts it back against the
// ActivityStreams + security contexts, producing a stable shape for
// dispatch and storage. Applying it twice is a fixed point.
func (p *LDProcessor) Canonicalise(doc map[string]any) (map[string]any, error) {
	opts := p.options()
	expanded, err := p.proc.Expand(doc, opts)
	if err != nil {
		return nil, formatErrorf("expand: %v", err)
	}
	ctx := map[string]any{
		"@context": []any{ContextActivityStreams, ContextSecurity},
	}
	compacted, err := p.proc.Compact(expanded, ctx, opts)
	if err != nil {
		return nil, formatErrorf("compact: %v", err)
	}
	return compacted, nil
}

// CanonicaliseBytes parses raw JSON and canonicalises it.
func (p *LDProcessor) CanonicaliseBytes(raw []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, formatErrorf("parse body: %v", err)
	}
	return p.Canonicalise(doc)
}

// normalize produces the URDNA2015 N-Quads serialisation used for LD
// signature hashing.
func (p *LDProcessor) normalize(doc map[string]any) (string, error) {
	opts := p.options()
	opts.Algorithm = ld.AlgorithmURDNA2015
	opts.Format = "application/n-quads"
	out, err := p.proc.Normalize(doc, opts)
	if err != nil {
		return "", formatErrorf("normalize: %v", err)
	}
	s, ok := out.(string)
	if !ok {
		return "", formatErrorf("normalize returned %T", out)
	}
	return s, nil
}

// ldSignatureHash is the RsaSignature2017 digest: SHA-256 of the normalised
// options block concatenated with SHA-256 of the normalised document.
func (p *LDProcessor) ldSignatureHash(doc, sigOptions map[string]any) ([]byte, error) {
	optQuads, err := p.normalize(sigOptions)
	if err != nil {
		return nil, err
	}
	docQuads, err := p.normalize(doc)
	if err != nil {
		return nil, err
	}
	optHash := sha256.Sum256([]byte(optQuads))
	docHash := sha256.Sum256([]byte(docQuads))
	combined := sha256.Sum256(append(optHash[:], docHash[:]...))
	return combined[:], nil
}

// SignLD attaches an RsaSignature2017 block to doc.
func (p *LDProcessor) SignLD(doc map[string]any, creator string, key *rsa.PrivateKey) error {
	sigOptions := map[string]any{
		"@context": ContextSecurity,
		"creator":  creator,
		"created":  time.Now().UTC().Format(time.RFC3339),
	}
	unsigned := map[string]any{}
	for k, v := range doc {
		if k != "signature" {
			unsigned[k] = v
		}
	}
	digest, err := p.ldSignatureHash(unsigned, sigOptions)
	if err != nil {
		return err
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
	if err != nil {
		return formatErrorf("sign: %v", err)
	}
	doc["signature"] = map[string]any{
		"type":           "RsaSignature2017",
		"creator":        creator,
		"created":        sigOptions["created"],
		"signatureValue": base64.StdEncoding.EncodeToString(sig),
	}
	return nil
}

// VerifyLD checks the RsaSignature2017 block on doc against the creator's
// public key. A missing block is a VerificationFormatError; a present but
// wrong one is a VerificationError.
func (p *LDProcessor) VerifyLD(doc map[string]any, key *rsa.PublicKey) error {
	block, ok := doc["signature"].(map[string]any)
	if !ok {
		return &VerificationFormatError{Detail: "no signature block"}
	}
	sigValue, _ := block["signatureValue"].(string)
	if sigValue == "" {
		return &VerificationFormatError{Detail: "missing signatureValue"}
	}
	sig, err := base64.StdEncoding.DecodeString(sigValue)
	if err != nil {
		return &VerificationFormatError{Detail: "signatureValue is not base64"}
	}

	sigOptions := map[string]any{"@context": ContextSecurity}
	for k, v := range block {
		if k != "type" && k != "id" && k != "signatureValue" {
			sigOptions[k] = v
		}
	}
	unsigned := map[string]any{}
	for k, v := range doc {
		if k != "signature" {
			unsigned[k] = v
		}
	}
	digest, err := p.ldSignatureHash(unsigned, sigOptions)
	if err != nil {
		return err
	}
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest, sig); err != nil {
		creator, _ := block["creator"].(string)
		return &VerificationError{KeyId: creator, Detail: "ld signature mismatch"}
	}
	return nil
}

// LDCreator extracts the creator URI of a document's signature block, empty
// when unsigned.
func LDCreator(doc map[string]any) string {
	block, ok := doc["signature"].(map[string]any)
	if !ok {
		return ""
	}
	creator, _ := block["creator"].(string)
	return creator
}

// StripLDSignature removes an unverifiable signature block so a relayed
// message can still be processed on HTTP-signature trust alone.
func StripLDSignature(doc map[string]any) {
	delete(doc, "signature")
}
