package client

import (
	"context"
	"crypto/x509"

	"golang.org/x/crypto/ocsp"

	"github.com/nczempin/pkihttp/errors"
)

// OCSPContentType is the media type of an OCSP request body.
const OCSPContentType = "application/ocsp-request"

// FetchCertificate downloads a DER certificate, e.g. from an AIA caIssuers
// URL.
func (c *Client) FetchCertificate(ctx context.Context, rawURL string) (*x509.Certificate, error) {
	var cert *x509.Certificate
	err := c.GetDecode(ctx, rawURL, func(der []byte) (err error) {
		cert, err = x509.ParseCertificate(der)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// FetchCRL downloads a DER certificate revocation list.
func (c *Client) FetchCRL(ctx context.Context, rawURL string) (*x509.RevocationList, error) {
	var crl *x509.RevocationList
	err := c.GetDecode(ctx, rawURL, func(der []byte) (err error) {
		crl, err = x509.ParseRevocationList(der)
		return err
	})
	if err != nil {
		return nil, err
	}
	return crl, nil
}

// QueryOCSP asks the responder at rawURL for the status of cert. The
// response signature is checked against issuer.
func (c *Client) QueryOCSP(ctx context.Context, rawURL string, cert, issuer *x509.Certificate) (*ocsp.Response, error) {
	if cert == nil || issuer == nil {
		return nil, errors.NewInvalidArgumentError("OCSP query needs the certificate and its issuer")
	}
	req, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return nil, errors.NewInvalidArgumentError("creating OCSP request: " + err.Error())
	}

	der, err := c.PostContent(ctx, rawURL, OCSPContentType, req)
	if err != nil {
		return nil, err
	}

	resp, err := ocsp.ParseResponse(der, issuer)
	if err != nil {
		return nil, errors.NewResponseDecodeError("cannot parse OCSP response", err)
	}
	return resp, nil
}
