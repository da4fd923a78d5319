package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// trackingSecret signs tracking tokens. Set once at boot from config.
var trackingSecret = "driply-tracking"

func SetTrackingSecret(secret string) {
	if secret != "" {
		trackingSecret = secret
	}
}

// GenerateTrackingToken derives the per-message token embedded in tracking
// URLs. Deterministic so the tracking endpoints can verify it statelessly.
func GenerateTrackingToken(messageID string) string {
	mac := hmac.New(sha256.New, []byte(trackingSecret))
	mac.Write([]byte(messageID))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))[:20]
}

// ValidTrackingToken checks a token received on a tracking hit.
func ValidTrackingToken(messageID, token string) bool {
	return hmac.Equal([]byte(GenerateTrackingToken(messageID)), []byte(token))
}

// GenerateTrackingPixelURL generates a tracking pixel URL for email opens
func GenerateTrackingPixelURL(baseURL, messageID string) string {
	return fmt.Sprintf("%s/track/open/%s/%s", baseURL, messageID, GenerateTrackingToken(messageID))
}

// GenerateUnsubscribeURL generates the one-click unsubscribe link
func GenerateUnsubscribeURL(baseURL, messageID string) string {
	return fmt.Sprintf("%s/track/unsubscribe/%s/%s", baseURL, messageID, GenerateTrackingToken(messageID))
}

// GenerateClickTrackURL generates a tracked URL for links
func GenerateClickTrackURL(baseURL, messageID, originalURL string) string {
	encodedURL := url.QueryEscape(originalURL)
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s", baseURL, messageID, GenerateTrackingToken(messageID), encodedURL)
}

// InjectTracking injects open and click tracking into email content
func InjectTracking(htmlContent, baseURL, messageID string) string {
	pixelURL := GenerateTrackingPixelURL(baseURL, messageID)
	trackingPixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, pixelURL)

	modifiedHTML := injectClickTracking(htmlContent, baseURL, messageID)

	return modifiedHTML + trackingPixel
}

func injectClickTracking(html, baseURL, messageID string) string {
	// Simplified rewrite; an HTML parser would be overkill for the embedded
	// templates this runs on.
	startTag := "<a href=\""
	endTag := "\""
	offset := 0

	for {
		startIdx := strings.Index(html[offset:], startTag)
		if startIdx == -1 {
			break
		}
		startIdx += offset + len(startTag)

		endIdx := strings.Index(html[startIdx:], endTag)
		if endIdx == -1 {
			break
		}
		endIdx += startIdx

		originalURL := html[startIdx:endIdx]
		if strings.HasPrefix(originalURL, baseURL+"/track/") {
			// Already a tracking link (unsubscribe, pixel), leave it alone.
			offset = endIdx
			continue
		}
		trackedURL := GenerateClickTrackURL(baseURL, messageID, originalURL)

		html = html[:startIdx] + trackedURL + html[endIdx:]
		offset = startIdx + len(trackedURL)
	}

	return html
}
