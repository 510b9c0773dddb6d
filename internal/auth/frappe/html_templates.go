package frappe

// loginSuccessHTML is the page shown in the browser after a successful OAuth
// callback. It tells the user authorization completed and that the terminal
// session can be returned to.
const loginSuccessHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorization Successful - Frappe Assistant Bridge</title>
    <style>
        * {
            box-sizing: border-box;
        }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, Cantarell, sans-serif;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
            margin: 0;
            background: linear-gradient(135deg, #4c8bf5 0%, #2d5bd1 100%);
            padding: 1rem;
        }
        .container {
            text-align: center;
            background: white;
            padding: 2.5rem;
            border-radius: 12px;
            box-shadow: 0 10px 25px rgba(0,0,0,0.1);
            max-width: 480px;
            width: 100%;
        }
        .success-icon {
            width: 64px;
            height: 64px;
            margin: 0 auto 1.5rem;
            background: #10b981;
            border-radius: 50%;
            display: flex;
            align-items: center;
            justify-content: center;
            color: white;
            font-size: 2rem;
        }
        h1 {
            color: #1f2937;
            font-size: 1.5rem;
            margin: 0 0 0.75rem;
        }
        p {
            color: #6b7280;
            margin: 0 0 0.5rem;
            line-height: 1.5;
        }
        .hint {
            font-size: 0.875rem;
            color: #9ca3af;
            margin-top: 1.5rem;
        }
    </style>
</head>
<body>
    <div class="container">
        <div class="success-icon">&#10003;</div>
        <h1>Authorization Successful</h1>
        <p>The bridge is now connected to your Frappe site.</p>
        <p>You can close this window and return to the terminal.</p>
        <p class="hint">This window will try to close itself automatically.</p>
    </div>
    <script>
        setTimeout(function () { window.close(); }, 3000);
    </script>
</body>
</html>`
