package oauth

import (
	"fmt"
	"html/template"
	"net/http"
)

// The interstitial pages close the loop with the tenant application that
// opened the authorization popup. Browsers may sit on the callback redirect
// with no UI at all, so instead of a bare 200 the user gets a page that
// confirms the outcome, notifies the opener via postMessage, and closes
// itself after a short delay.
//
// The inline scripts read their payload from data attributes on the body
// element, not from interpolated script text, so user-influenced values only
// ever pass through HTML attribute escaping. The posted messages carry
// identifiers and generic messages only, never token material.

// successPageTemplate confirms a completed connection. The opener receives
// {type: "oauth_success", tenantId, integrationId}.
const successPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Connection Successful</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            background: linear-gradient(135deg, #1a1a2e 0%, #16213e 50%, #0f3460 100%);
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #fff;
        }
        .container { text-align: center; padding: 2rem; max-width: 480px; }
        .success-icon {
            width: 80px;
            height: 80px;
            margin: 0 auto 1.5rem;
            border-radius: 50%;
            background: linear-gradient(135deg, #00d26a 0%, #00a855 100%);
            display: flex;
            align-items: center;
            justify-content: center;
            animation: scaleIn 0.5s ease-out;
        }
        .success-icon svg { width: 40px; height: 40px; stroke: #fff; stroke-width: 3; fill: none; }
        @keyframes scaleIn {
            0% { transform: scale(0); opacity: 0; }
            50% { transform: scale(1.1); }
            100% { transform: scale(1); opacity: 1; }
        }
        h1 { font-size: 1.75rem; font-weight: 600; margin-bottom: 0.75rem; }
        .message { color: rgba(255, 255, 255, 0.7); font-size: 1rem; line-height: 1.6; }
        .close-hint { color: rgba(255, 255, 255, 0.5); font-size: 0.875rem; margin-top: 1.5rem; }
    </style>
</head>
<body data-tenant-id="{{.TenantID}}" data-integration-id="{{.IntegrationID}}" data-target-origin="{{.TargetOrigin}}">
    <div class="container">
        <div class="success-icon">
            <svg viewBox="0 0 24 24"><polyline points="4 12 9 17 20 6"></polyline></svg>
        </div>
        <h1>Connection Successful</h1>
        <p class="message">Your integration has been connected. You can return to the application.</p>
        <p class="close-hint">This window will close automatically.</p>
    </div>
    <script>(function(){var d=document.body.dataset;if(window.opener){window.opener.postMessage({type:"oauth_success",tenantId:d.tenantId,integrationId:d.integrationId},d.targetOrigin||"*");}setTimeout(function(){window.close();},1500);})();</script>
</body>
</html>`

// errorPageTemplate reports a failed attempt. The message and code are the
// generic external values; the internal taxonomy never reaches this page. The
// opener receives {type: "oauth_error", message, code}.
const errorPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Connection Failed</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            background: linear-gradient(135deg, #1a1a2e 0%, #16213e 50%, #0f3460 100%);
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #fff;
        }
        .container { text-align: center; padding: 2rem; max-width: 480px; }
        .error-icon {
            width: 80px;
            height: 80px;
            margin: 0 auto 1.5rem;
            border-radius: 50%;
            background: linear-gradient(135deg, #e94560 0%, #c23152 100%);
            display: flex;
            align-items: center;
            justify-content: center;
            animation: scaleIn 0.5s ease-out;
        }
        .error-icon svg { width: 40px; height: 40px; stroke: #fff; stroke-width: 3; fill: none; }
        @keyframes scaleIn {
            0% { transform: scale(0); opacity: 0; }
            50% { transform: scale(1.1); }
            100% { transform: scale(1); opacity: 1; }
        }
        h1 { font-size: 1.75rem; font-weight: 600; margin-bottom: 0.75rem; }
        .message { color: rgba(255, 255, 255, 0.7); font-size: 1rem; line-height: 1.6; }
        .close-hint { color: rgba(255, 255, 255, 0.5); font-size: 0.875rem; margin-top: 1.5rem; }
    </style>
</head>
<body data-message="{{.Message}}" data-code="{{.Code}}" data-target-origin="{{.TargetOrigin}}">
    <div class="container">
        <div class="error-icon">
            <svg viewBox="0 0 24 24"><line x1="6" y1="6" x2="18" y2="18"></line><line x1="18" y1="6" x2="6" y2="18"></line></svg>
        </div>
        <h1>Connection Failed</h1>
        <p class="message">{{.Message}}</p>
        <p class="close-hint">This window will close automatically. You can retry from the application.</p>
    </div>
    <script>(function(){var d=document.body.dataset;if(window.opener){window.opener.postMessage({type:"oauth_error",message:d.message,code:d.code},d.targetOrigin||"*");}setTimeout(function(){window.close();},2500);})();</script>
</body>
</html>`

var (
	successPageTmpl = template.Must(template.New("success").Parse(successPageTemplate))
	errorPageTmpl   = template.Must(template.New("error").Parse(errorPageTemplate))
)

type successPageData struct {
	TenantID      string
	IntegrationID string
	TargetOrigin  string
}

type errorPageData struct {
	Message      string
	Code         string
	TargetOrigin string
}

func renderSuccessPage(w http.ResponseWriter, data successPageData) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := successPageTmpl.Execute(w, data); err != nil {
		return fmt.Errorf("failed to render success page: %w", err)
	}
	return nil
}

func renderErrorPage(w http.ResponseWriter, data errorPageData) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := errorPageTmpl.Execute(w, data); err != nil {
		return fmt.Errorf("failed to render error page: %w", err)
	}
	return nil
}
