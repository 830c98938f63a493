package activitypub

import (
	"crypto/rsa"
	"net/http"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

// dateSkew is how far a signed request's Date header may drift from our
// clock in either direction.
const dateSkew = 5 * time.Minute

var (
	postSignedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest", "content-type"}
	getSignedHeaders  = []string{httpsig.RequestTarget, "host", "date"}
)

// SignRequest signs an outbound request draft-cavage style with RSA-SHA256.
// POST bodies get a SHA-256 Digest header; GETs sign only the request line,
// host and date.
func SignRequest(req *http.Request, body []byte, keyId string, key *rsa.PrivateKey) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}

	headers := getSignedHeaders
	if len(body) > 0 || req.Method == http.MethodPost {
		headers = postSignedHeaders
	}
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0)
	if err != nil {
		return &VerificationFormatError{Detail: "build signer: " + err.Error()}
	}
	if err := signer.SignRequest(key, keyId, req, body); err != nil {
		return &VerificationFormatError{Detail: "sign request: " + err.Error()}
	}
	return nil
}

// SignerKeyId parses an inbound request's Signature header and returns the
// keyId it claims, before any key material is available.
func SignerKeyId(req *http.Request) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", &VerificationFormatError{Detail: err.Error()}
	}
	return verifier.KeyId(), nil
}

// VerifyRequest checks an inbound request's HTTP signature against a known
// public key. skipDateCheck disables the clock-skew window, for tests that
// replay canned requests.
func VerifyRequest(req *http.Request, key *rsa.PublicKey, skipDateCheck bool) error {
	if !skipDateCheck {
		if err := checkDate(req); err != nil {
			return err
		}
	}
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return &VerificationFormatError{Detail: err.Error()}
	}
	if err := verifier.Verify(key, httpsig.RSA_SHA256); err != nil {
		return &VerificationError{KeyId: verifier.KeyId(), Detail: err.Error()}
	}
	return nil
}

func checkDate(req *http.Request) error {
	raw := req.Header.Get("Date")
	if raw == "" {
		return &VerificationFormatError{Detail: "missing Date header"}
	}
	sent, err := http.ParseTime(raw)
	if err != nil {
		return &VerificationFormatError{Detail: "unparseable Date header"}
	}
	drift := time.Since(sent)
	if drift < 0 {
		drift = -drift
	}
	if drift > dateSkew {
		return &VerificationError{Detail: "request date outside skew window"}
	}
	return nil
}
