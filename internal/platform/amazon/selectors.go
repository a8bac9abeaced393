package amazon

// Page structure knowledge. When the supplier changes its markup, this file
// is where the fix lands.
const (
	selProductTitle   = "#productTitle"
	selAvailability   = "#availability"
	selAddToCart      = "#add-to-cart-button"
	selQuantity       = "select#quantity"
	selUsedOnlyBox    = "#usedOnlyBuybox"
	selCartConfirmed  = "#NATC_SMART_WAGON_CONF_MSG_SUCCESS, #sw-atc-confirmation"
	selAddressRadio   = `input[type="radio"][name="destinationSubmissionUrl"]`
	selShippingRadio  = `input[type="radio"][name^="order_0_ShippingSpeed"]`
	selItemPrice      = ".lineitem-price-text, .a-color-price.item-price"
	selPlaceOrder     = `#submitOrderButtonId input, input[name="placeYourOrder1"]`
	selPaymentProblem = "#payment-problem-alert, .pmts-error-message-inline"
	selOrderTotal     = "#subtotals-marketplace-spp-bottom .grand-total-price"
	selPointsEarned   = ".loyalty-points-earned"

	selCaptchaForm = `form[action*="validateCaptcha"]`
	selOTPInput    = "#auth-mfa-otpcode"
	selSignInForm  = `form[name="signIn"], #ap_email`
	selAccountName = "#nav-link-accountList-nav-line-1"
	selNotFound    = `img[alt*="Dogs of Amazon"], #g > div > a > img`
)

// Paths relative to the marketplace base URL.
const (
	pathAccount   = "/gp/css/homepage.html"
	pathProduct   = "/dp/"
	pathCheckout  = "/gp/buy/spc/handlers/display.html?hasWorkingJavascript=1"
	pathThankYou  = "/gp/buy/thankyou"
	orderIDRegexp = `\d{3}-\d{7}-\d{7}`
)
